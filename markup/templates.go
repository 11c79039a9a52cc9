// Package markup builds the HTML documents rendered by the browser backend
// and normalises caller-supplied markup.
package markup

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/use-agent/cardrender/models"
)

// ReadyScript flips window.cardReady once web fonts have loaded. The pool's
// default readiness expression polls for it.
const ReadyScript = `document.fonts.ready.then(function () { window.cardReady = true; });`

// DefaultAvatarURL is used for leaderboard rows without an avatar.
const DefaultAvatarURL = "https://cdn.discordapp.com/embed/avatars/0.png"

const baseCSS = `
* { margin: 0; padding: 0; box-sizing: border-box; }
html, body { width: 100%; height: 100%; background: transparent; }
body { font-family: "Inter", "Noto Sans", "Segoe UI", Arial, sans-serif; color: #FFFFFF; -webkit-font-smoothing: antialiased; }
.avatar { border-radius: 50%; object-fit: cover; background: #2B2D31; flex-shrink: 0; }
.muted { color: #B5BAC1; }
`

var rankCardTmpl = template.Must(template.New("rank_card").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>` + baseCSS + `
#card { position: relative; width: 1000px; height: 300px; display: flex; align-items: center; gap: 40px; padding: 0 48px; background: #1E1F22; border-radius: 24px; overflow: hidden; }
#card .accent { position: absolute; left: 0; top: 0; bottom: 0; width: 12px; }
#card .avatar { width: 200px; height: 200px; border: 6px solid; }
#card .body { flex: 1; min-width: 0; display: flex; flex-direction: column; gap: 18px; }
#card .name { font-size: 48px; font-weight: 700; white-space: nowrap; overflow: hidden; text-overflow: ellipsis; }
#card .stats { display: flex; gap: 48px; font-size: 26px; }
#card .stat b { font-size: 34px; margin-right: 8px; }
#card .bar { height: 28px; border-radius: 14px; background: #313338; overflow: hidden; }
#card .fill { height: 100%; border-radius: 14px; }
#card .progress { font-size: 22px; }
</style>
</head>
<body>
<div id="card">
  <div class="accent" style="background: {{.Accent}}"></div>
  {{if .Avatar}}<img class="avatar" src="{{.Avatar}}" style="border-color: {{.Accent}}" alt="">{{else}}<div class="avatar" style="border-color: {{.Accent}}"></div>{{end}}
  <div class="body">
    <div class="name">{{.Username}}</div>
    <div class="stats">
      <div class="stat"><b>#{{.WeeklyRank}}</b><span class="muted">weekly</span> {{.WeeklyXP}} XP</div>
      <div class="stat"><b>#{{.AllTimeRank}}</b><span class="muted">all-time</span> {{.AllTimeXP}} XP</div>
    </div>
    {{if .ShowProgress}}
    <div class="bar"><div class="fill" style="width: {{.Progress}}%; background: {{.Accent}}"></div></div>
    <div class="progress muted">{{.CurrentXP}} / {{.NextXP}} XP</div>
    {{end}}
  </div>
</div>
<script>` + ReadyScript + `</script>
</body>
</html>
`))

var leaderboardTmpl = template.Must(template.New("leaderboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>` + baseCSS + `
#board { width: 1000px; padding: 32px 40px; background: #1E1F22; border-radius: 24px; }
#board h1 { font-size: 40px; font-weight: 700; margin-bottom: 24px; }
#board .row { display: flex; align-items: center; gap: 24px; height: 76px; padding: 0 20px; border-radius: 16px; }
#board .row + .row { margin-top: 8px; }
#board .row.highlight { background: #5865F2; }
#board .rank { width: 72px; font-size: 30px; font-weight: 700; }
#board .avatar { width: 56px; height: 56px; }
#board .name { flex: 1; min-width: 0; font-size: 28px; white-space: nowrap; overflow: hidden; text-overflow: ellipsis; }
#board .xp { font-size: 28px; font-weight: 600; }
</style>
</head>
<body>
<div id="board">
  <h1>{{.Title}}</h1>
  {{range .Rows}}
  <div class="row{{if .Highlight}} highlight{{end}}">
    <div class="rank">#{{.Rank}}</div>
    <img class="avatar" src="{{.Avatar}}" alt="">
    <div class="name">{{.Username}}</div>
    <div class="xp">{{.XP}} XP</div>
  </div>
  {{end}}
</div>
<script>` + ReadyScript + `</script>
</body>
</html>
`))

type rankCardView struct {
	Username     string
	Avatar       template.URL
	Accent       template.CSS
	WeeklyXP     string
	AllTimeXP    string
	WeeklyRank   int
	AllTimeRank  int
	ShowProgress bool
	Progress     float64
	CurrentXP    string
	NextXP       string
}

type leaderboardRow struct {
	Rank      int
	Username  string
	Avatar    template.URL
	XP        string
	Highlight bool
}

type leaderboardView struct {
	Title string
	Rows  []leaderboardRow
}

// RankCard renders the rank card document. avatarSrc is a data: URI or an
// http(s) URL; anything else is dropped. req must already be defaulted and
// validated.
func RankCard(req models.RankCardRequest, avatarSrc string) (string, error) {
	view := rankCardView{
		Username:     req.Username,
		Avatar:       safeImageSrc(avatarSrc),
		Accent:       template.CSS(req.HexColor),
		WeeklyXP:     FormatPoints(req.WeeklyXP),
		AllTimeXP:    FormatPoints(req.AllTimeXP),
		WeeklyRank:   req.WeeklyRank,
		AllTimeRank:  req.AllTimeRank,
		ShowProgress: req.NextXP > 0,
		Progress:     ProgressPercent(req.CurrentXP, req.NextXP),
		CurrentXP:    FormatPoints(req.CurrentXP),
		NextXP:       FormatPoints(req.NextXP),
	}
	return execute(rankCardTmpl, view)
}

// Leaderboard renders a leaderboard document. avatars maps user IDs to
// image sources; users without one get DefaultAvatarURL.
func Leaderboard(req models.LeaderboardRequest, avatars map[string]string) (string, error) {
	view := leaderboardView{
		Title: req.Title,
		Rows:  make([]leaderboardRow, 0, len(req.Users)),
	}
	for _, u := range req.Users {
		src := safeImageSrc(avatars[u.UserID])
		if src == "" {
			src = template.URL(DefaultAvatarURL)
		}
		view.Rows = append(view.Rows, leaderboardRow{
			Rank:      u.Rank,
			Username:  u.Username,
			Avatar:    src,
			XP:        FormatPoints(u.XP),
			Highlight: req.HighlightUserID != "" && u.UserID == req.HighlightUserID,
		})
	}
	return execute(leaderboardTmpl, view)
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", models.NewRenderError(models.ErrCodeTemplate,
			fmt.Sprintf("failed to render %s template", t.Name()), err)
	}
	return buf.String(), nil
}

// safeImageSrc admits image data URIs and http(s) URLs.
func safeImageSrc(src string) template.URL {
	switch {
	case strings.HasPrefix(src, "data:image/"),
		strings.HasPrefix(src, "https://"),
		strings.HasPrefix(src, "http://"):
		return template.URL(src)
	}
	return ""
}
