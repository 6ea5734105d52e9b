package web

import (
	"log"
	"net/http"
)

// The verification pages are intentionally static: the link target carries
// no user data, so there is nothing to template.

const verifiedHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Email verified</title>
<style>
body { font-family: system-ui, sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: #f4f4f5; }
main { text-align: center; padding: 2rem; }
h1 { font-size: 1.5rem; }
p { color: #52525b; }
</style>
</head>
<body>
<main>
<h1>Email verified</h1>
<p>You can close this tab and return to where you signed in.</p>
</main>
</body>
</html>`

const badLinkHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Link expired</title>
<style>
body { font-family: system-ui, sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: #f4f4f5; }
main { text-align: center; padding: 2rem; }
h1 { font-size: 1.5rem; }
p { color: #52525b; }
</style>
</head>
<body>
<main>
<h1>This link is no longer valid</h1>
<p>It may have expired or already been used. Start the sign-in again to get a new one.</p>
</main>
</body>
</html>`

func renderVerified(w http.ResponseWriter) {
	renderHTML(w, http.StatusOK, verifiedHTML)
}

func renderBadLink(w http.ResponseWriter) {
	renderHTML(w, http.StatusNotFound, badLinkHTML)
}

func renderHTML(w http.ResponseWriter, status int, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(page)); err != nil {
		log.Printf("write page: %v", err)
	}
}
