package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// configToProto maps config resource type names to CDP resource types.
var configToProto = map[string]proto.NetworkResourceType{
	"Image":       proto.NetworkResourceTypeImage,
	"Stylesheet":  proto.NetworkResourceTypeStylesheet,
	"Font":        proto.NetworkResourceTypeFont,
	"Media":       proto.NetworkResourceTypeMedia,
	"Script":      proto.NetworkResourceTypeScript,
	"XHR":         proto.NetworkResourceTypeXHR,
	"Fetch":       proto.NetworkResourceTypeFetch,
	"WebSocket":   proto.NetworkResourceTypeWebSocket,
	"EventSource": proto.NetworkResourceTypeEventSource,
	"Manifest":    proto.NetworkResourceTypeManifest,
	"Ping":        proto.NetworkResourceTypePing,
}

// resourceTypeSet builds an O(1) lookup set; unknown names are ignored.
func resourceTypeSet(names []string) map[proto.NetworkResourceType]struct{} {
	set := make(map[proto.NetworkResourceType]struct{}, len(names))
	for _, name := range names {
		if rt, ok := configToProto[name]; ok {
			set[rt] = struct{}{}
		}
	}
	return set
}

// hostAllowed reports whether host equals an allowlist entry or is one of
// its subdomains. An empty allowlist allows everything.
func hostAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimPrefix(a, "."))
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// inlineScheme reports URL schemes that never leave the process.
func inlineScheme(scheme string) bool {
	switch scheme {
	case "data", "blob", "about":
		return true
	}
	return false
}

// setupHijack installs a request interceptor that fails requests for
// blocked resource types and for hosts outside allowed.
//
// Returns the running HijackRouter so the caller can Stop it.
// Returns nil if there is nothing to block.
func setupHijack(page *rod.Page, blocked map[proto.NetworkResourceType]struct{}, allowed []string) *rod.HijackRouter {
	if len(blocked) == 0 && len(allowed) == 0 {
		return nil
	}

	router := page.HijackRequests()

	// Pattern "*" + empty resourceType = intercept ALL requests, then
	// decide per-request whether to block or continue.
	_ = router.Add("*", "", func(ctx *rod.Hijack) {
		if _, shouldBlock := blocked[ctx.Request.Type()]; shouldBlock {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}

		u := ctx.Request.URL()
		if !inlineScheme(u.Scheme) && !hostAllowed(u.Hostname(), allowed) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}

		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	// router.Run() blocks; it exits when router.Stop() is called.
	go router.Run()

	return router
}

// toHeadersMap converts a plain string map to proto.NetworkHeaders
// (map[string]gson.JSON).
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}
