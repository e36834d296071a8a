package worker

import (
	"fmt"
	"html"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/danmuck/fcgirelay/internal/relay"
)

// DemoHandler reports which worker served the request and hands the client
// its session id both as a link and as a cookie, so either tracking mode
// brings the next request back to this process.
func DemoHandler(cfg Config) http.Handler {
	var hits atomic.Int64
	started := time.Now()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		script := cfg.ScriptName
		if script == "" {
			script = r.URL.Path
		}

		link := script
		if cfg.SessionID != "" {
			q := url.Values{}
			q.Set(relay.DefaultSessionParam, cfg.SessionID)
			link = script + "?" + q.Encode()
			http.SetCookie(w, &http.Cookie{
				Name:     relay.CookieName(script),
				Value:    cfg.SessionID,
				Path:     script,
				HttpOnly: true,
			})
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Worker-Pid", fmt.Sprint(os.Getpid()))
		fmt.Fprintf(w, "<!doctype html>\n<title>%s</title>\n", html.EscapeString(cfg.Title))
		fmt.Fprintf(w, "<p>pid %d, session %q, request %d, up %s</p>\n",
			os.Getpid(), cfg.SessionID, n, time.Since(started).Round(time.Second))
		fmt.Fprintf(w, "<p><a href=\"%s\">again</a></p>\n", html.EscapeString(link))
	})
}
