package handler

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/Masterminds/sprig/v3"
	"github.com/labstack/echo/v4"

	"catbypass-gateway/internal/codec"
)

var pages = template.Must(template.New("pages").Funcs(sprig.FuncMap()).Parse(`
{{- define "form" -}}
<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>CatBypass</title>
<style>
body{font-family:system-ui,sans-serif;max-width:40rem;margin:4rem auto;padding:0 1rem}
input[type=text]{width:100%;padding:.6rem;font-size:1rem;box-sizing:border-box}
button{margin-top:.8rem;padding:.5rem 1.2rem;font-size:1rem}
</style>
</head>
<body>
<h1>CatBypass</h1>
<form id="go" method="get" action="{{ .LegacyPath }}">
<input type="text" name="url" placeholder="example.com" autofocus required>
<label><input type="checkbox" id="stealth" checked> Hide the address in the link</label>
<button type="submit">Go</button>
</form>
<script>
document.getElementById("go").addEventListener("submit", function (e) {
  if (!document.getElementById("stealth").checked) return;
  e.preventDefault();
  var u = this.elements.url.value.trim();
  if (!/^[a-z][a-z0-9+.-]*:\/\//i.test(u)) u = "https://" + u;
  var bytes = new TextEncoder().encode(u), bin = "";
  for (var i = 0; i < bytes.length; i++) bin += String.fromCharCode(bytes[i]);
  location.href = {{ .StealthPrefix }} + btoa(bin).replace(/\+/g, "-").replace(/\//g, "_").replace(/=+$/, "");
});
</script>
</body>
</html>
{{- end -}}

{{- define "error" -}}
<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{ .Status }} {{ .StatusText }}</title>
</head>
<body>
<h1>{{ .StatusText }}</h1>
<p>The page could not be loaded through the gateway.</p>
<pre>{{ .Message | trunc 2000 }}</pre>
<p><a href="{{ .LegacyPath }}">Try another address</a></p>
</body>
</html>
{{- end -}}
`))

type formPage struct {
	LegacyPath    string
	StealthPrefix string
}

type errorPage struct {
	Status     int
	StatusText string
	Message    string
	LegacyPath string
}

func renderPage(c echo.Context, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	return c.HTMLBlob(status, buf.Bytes())
}

func renderError(c echo.Context, status int, message string) error {
	return renderPage(c, status, "error", errorPage{
		Status:     status,
		StatusText: http.StatusText(status),
		Message:    message,
		LegacyPath: codec.LegacyPath,
	})
}
