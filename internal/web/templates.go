package web

import "html/template"

var pageTemplates = template.Must(template.New("pages").Parse(`
{{define "layout_top"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>otphub</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 28rem; margin: 4rem auto; padding: 0 1rem; }
form { display: flex; flex-direction: column; gap: .75rem; }
input { padding: .5rem; font-size: 1rem; }
button { padding: .5rem; font-size: 1rem; cursor: pointer; }
.flash { padding: .5rem .75rem; border-radius: .25rem; margin-bottom: .5rem; }
.flash.error { background: #fdd; }
.flash.info { background: #def; }
.flash.success { background: #dfd; }
</style>
</head>
<body>
{{range .Flashes}}<div class="flash {{.Level}}">{{.Text}}</div>{{end}}
{{end}}

{{define "layout_bottom"}}</body>
</html>
{{end}}

{{define "login"}}{{template "layout_top" .}}
<h1>Sign in</h1>
<form method="post" action="/">
<label for="phone">Phone number</label>
<input id="phone" name="phone" type="tel" placeholder="+628123456789" autofocus required>
<button type="submit">Send code</button>
</form>
{{template "layout_bottom" .}}{{end}}

{{define "otp"}}{{template "layout_top" .}}
<h1>Enter the code</h1>
<p>A verification code was sent to {{.Identity}}.</p>
<form method="post" action="/otp">
<input name="otp" inputmode="numeric" placeholder="12345" autofocus required>
<button type="submit">Verify</button>
</form>
{{template "layout_bottom" .}}{{end}}

{{define "password"}}{{template "layout_top" .}}
<h1>Two-factor password</h1>
<p>{{.Identity}} requires an additional password.</p>
<form method="post" action="/password">
<input name="password" type="password" autofocus required>
<button type="submit">Sign in</button>
</form>
{{template "layout_bottom" .}}{{end}}

{{define "success"}}{{template "layout_top" .}}
<h1>Signed in</h1>
<p>{{.Identity}} is now connected.</p>
<p><a href="/">Add another account</a></p>
{{template "layout_bottom" .}}{{end}}
`))
