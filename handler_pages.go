package oauth

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/server"
	"github.com/giantswarm/oidc-authz/storage"
)

// SessionCookieName is the cookie holding the login session ID
const SessionCookieName = "oidc_session"

// decisionApprove is the value of the approve button on the consent and
// device pages
const decisionApprove = "approve"

// ==================== Authorization Endpoint ====================

// ServeAuthorization handles authorization requests. Depending on the
// session it sends the user to the login page, shows the consent page or
// redirects back to the client with a code.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.renderAuthorizeError(w, r, server.ErrInvalidRequest("failed to parse request"))
		return
	}
	for key, values := range r.Form {
		if len(values) > 1 {
			h.renderAuthorizeError(w, r, server.ErrInvalidRequest("parameter "+key+" is repeated"))
			return
		}
	}

	req := server.ParseAuthorizationRequest(r.Form)
	result, err := h.server.Authorize(r.Context(), req, h.sessionID(r))
	if err != nil {
		h.renderAuthorizeError(w, r, err)
		return
	}

	switch result.Outcome {
	case server.OutcomeLogin:
		// Drop prompt=login so the request does not loop back to the login page
		returnTo := AuthorizePath + "?" + req.Query(server.PromptLogin).Encode()
		http.Redirect(w, r, loginURL(returnTo, req.LoginHint), http.StatusFound)

	case server.OutcomeConsent:
		h.renderConsent(w, r, req, result)

	default:
		security.SetPageSecurityHeaders(w, h.server.Config.Issuer)
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	}
}

func loginURL(returnTo, loginHint string) string {
	q := url.Values{}
	q.Set("return_to", returnTo)
	if loginHint != "" {
		q.Set("login_hint", loginHint)
	}
	return LoginPath + "?" + q.Encode()
}

// renderAuthorizeError redirects errors the client may see back to it and
// renders everything else, since the redirect URI could not be trusted.
func (h *Handler) renderAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var redirectErr *server.RedirectError
	if errors.As(err, &redirectErr) {
		security.SetPageSecurityHeaders(w, h.server.Config.Issuer)
		http.Redirect(w, r, redirectErr.Location(), http.StatusFound)
		return
	}
	h.renderErrorPage(w, r, err)
}

func (h *Handler) renderErrorPage(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := server.AsError(err)
	if oauthErr == nil {
		h.log(r.Context()).Error("Unexpected error", "path", r.URL.Path, "error", err)
		oauthErr = server.ErrServerError("internal server error")
	}
	h.renderPage(w, oauthErr.Status, "message", pageData{
		Title:   "Authorization failed",
		Error:   oauthErr.Description,
		Message: "Error: " + oauthErr.Code,
	})
}

// ==================== Consent ====================

func (h *Handler) renderConsent(w http.ResponseWriter, r *http.Request, req server.AuthorizationRequest, result *server.AuthorizeResult) {
	v := result.Authorization
	clientName := v.Client.ClientName
	if clientName == "" {
		clientName = v.Client.ClientID
	}

	scopes := make([]scopeItem, 0, len(v.Scopes))
	for _, s := range v.Scopes {
		scopes = append(scopes, scopeItem{
			Name:        s,
			Description: describeScope(s),
			New:         containsString(result.MissingScopes, s),
		})
	}

	h.renderPage(w, http.StatusOK, "consent", pageData{
		Title:      "Authorize " + clientName,
		ClientName: clientName,
		Scopes:     scopes,
		Request:    req.Query(server.PromptConsent).Encode(),
		Action:     ConsentPath,
	}, v.RedirectURI)
}

// ServeConsent records the user's answer on the consent page and resumes
// the authorization request.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.sameOrigin(r) {
		h.renderErrorPage(w, r, server.NewError(ErrorCodeAccessDenied, "cross-origin form submission"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, r, server.ErrInvalidRequest("failed to parse request"))
		return
	}

	q, err := url.ParseQuery(r.PostForm.Get("request"))
	if err != nil {
		h.renderErrorPage(w, r, server.ErrInvalidRequest("malformed authorization request"))
		return
	}
	req := server.ParseAuthorizationRequest(q)
	approved := r.PostForm.Get("decision") == decisionApprove

	if _, err := h.server.DecideConsent(r.Context(), req, h.sessionID(r), approved); err != nil {
		h.renderAuthorizeError(w, r, err)
		return
	}

	// prompt=consent is satisfied now
	http.Redirect(w, r, AuthorizePath+"?"+req.Query(server.PromptConsent).Encode(), http.StatusSeeOther)
}

// ==================== Login and Logout ====================

// ServeLogin shows the login form and signs users in
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		h.renderPage(w, http.StatusOK, "login", pageData{
			Title:    "Sign in",
			Action:   LoginPath,
			ReturnTo: safeReturnTo(q.Get("return_to")),
			Username: q.Get("login_hint"),
		})

	case http.MethodPost:
		if h.checkRateLimit(w, r, "login") {
			return
		}
		if !h.sameOrigin(r) {
			h.renderErrorPage(w, r, server.NewError(ErrorCodeAccessDenied, "cross-origin form submission"))
			return
		}
		if err := r.ParseForm(); err != nil {
			h.renderErrorPage(w, r, server.ErrInvalidRequest("failed to parse request"))
			return
		}

		username := r.PostForm.Get("username")
		returnTo := safeReturnTo(r.PostForm.Get("return_to"))

		session, err := h.server.Login(r.Context(), username, r.PostForm.Get("password"))
		if err != nil {
			if oauthErr := server.AsError(err); oauthErr == nil || oauthErr.Status >= http.StatusInternalServerError {
				h.renderErrorPage(w, r, err)
				return
			}
			h.renderPage(w, http.StatusUnauthorized, "login", pageData{
				Title:    "Sign in",
				Action:   LoginPath,
				ReturnTo: returnTo,
				Username: username,
				Error:    "Invalid username or password.",
			})
			return
		}

		h.setSessionCookie(w, session)
		if returnTo != "" {
			http.Redirect(w, r, returnTo, http.StatusSeeOther)
			return
		}
		h.renderPage(w, http.StatusOK, "message", pageData{
			Title:   "Signed in",
			Message: "You are signed in. You can close this window.",
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// safeReturnTo only lets the login page return to the authorization and
// device pages of this server.
func safeReturnTo(target string) string {
	if !util.IsLocalPath(target) {
		return ""
	}
	if strings.HasPrefix(target, AuthorizePath+"?") || target == DevicePath || strings.HasPrefix(target, DevicePath+"?") {
		return target
	}
	return ""
}

// ServeLogout ends the login session. GET shows a confirmation form; POST
// signs out and also revokes an access token passed as "token" or as a
// bearer token.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.renderPage(w, http.StatusOK, "logout", pageData{
			Title:  "Sign out",
			Action: LogoutPath,
		})

	case http.MethodPost:
		if !h.sameOrigin(r) {
			h.renderErrorPage(w, r, server.NewError(ErrorCodeAccessDenied, "cross-origin form submission"))
			return
		}
		if err := r.ParseForm(); err != nil {
			h.renderErrorPage(w, r, server.ErrInvalidRequest("failed to parse request"))
			return
		}

		accessToken := r.PostForm.Get("token")
		if accessToken == "" {
			accessToken, _ = bearerToken(r)
		}
		if err := h.server.Logout(r.Context(), h.sessionID(r), accessToken); err != nil {
			h.renderErrorPage(w, r, err)
			return
		}

		h.clearSessionCookie(w)
		h.renderPage(w, http.StatusOK, "message", pageData{
			Title:   "Signed out",
			Message: "You have been signed out.",
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ==================== Device Verification ====================

// ServeDeviceVerification is the verification URI of the device flow. It
// asks for a user code and then shows what the device is asking for.
func (h *Handler) ServeDeviceVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userCode := r.URL.Query().Get("user_code")
	if _, ok := h.currentSession(r); !ok {
		returnTo := DevicePath
		if userCode != "" {
			returnTo += "?" + url.Values{"user_code": {userCode}}.Encode()
		}
		http.Redirect(w, r, loginURL(returnTo, ""), http.StatusFound)
		return
	}

	data := pageData{
		Title:      "Connect a device",
		Action:     DevicePath,
		UserCode:   userCode,
		ConfirmURL: DeviceVerifyPath,
	}
	if userCode == "" {
		h.renderPage(w, http.StatusOK, "device", data)
		return
	}

	prompt, err := h.server.LookupDeviceCode(r.Context(), userCode)
	if err != nil {
		oauthErr := server.AsError(err)
		if oauthErr == nil {
			h.renderErrorPage(w, r, err)
			return
		}
		data.Error = "That code is invalid or has expired."
		h.renderPage(w, http.StatusBadRequest, "device", data)
		return
	}

	data.UserCode = prompt.UserCode
	data.ClientName = prompt.ClientName
	if data.ClientName == "" {
		data.ClientName = prompt.ClientID
	}
	for _, s := range prompt.Scopes {
		data.Scopes = append(data.Scopes, scopeItem{Name: s, Description: describeScope(s)})
	}
	data.Confirm = true
	h.renderPage(w, http.StatusOK, "device", data)
}

// ServeDeviceDecision records the approval or denial of a user code
func (h *Handler) ServeDeviceDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.sameOrigin(r) {
		h.renderErrorPage(w, r, server.NewError(ErrorCodeAccessDenied, "cross-origin form submission"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, r, server.ErrInvalidRequest("failed to parse request"))
		return
	}

	session, ok := h.currentSession(r)
	if !ok {
		http.Redirect(w, r, loginURL(DevicePath, ""), http.StatusSeeOther)
		return
	}

	approved := r.PostForm.Get("decision") == decisionApprove
	if err := h.server.DecideDeviceCode(r.Context(), session, r.PostForm.Get("user_code"), approved); err != nil {
		h.renderErrorPage(w, r, err)
		return
	}

	message := "The device was denied access."
	if approved {
		message = "The device is connected. You can return to it now."
	}
	h.renderPage(w, http.StatusOK, "message", pageData{Title: "Connect a device", Message: message})
}

// ==================== Sessions ====================

func (h *Handler) sessionID(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) currentSession(r *http.Request) (*storage.Session, bool) {
	session, err := h.server.Sessions.Get(r.Context(), h.sessionID(r))
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			h.log(r.Context()).Error("Failed to load session", "error", err)
		}
		return nil, false
	}
	return session, true
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, session *storage.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		MaxAge:   int(h.server.Config.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) secureCookies() bool {
	return strings.HasPrefix(h.server.Config.Issuer, "https://")
}

// sameOrigin rejects form posts that a browser marked as coming from
// another origin. Requests without an Origin header are allowed.
func (h *Handler) sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	issuer, err := url.Parse(h.server.Config.Issuer)
	if err != nil {
		return false
	}
	return origin == issuer.Scheme+"://"+issuer.Host
}

// ==================== Pages ====================

type scopeItem struct {
	Name        string
	Description string
	New         bool
}

type pageData struct {
	Title   string
	Message string
	Error   string

	// Action is the URL the page's form posts to
	Action   string
	ReturnTo string
	Username string

	ClientName string
	Scopes     []scopeItem
	Request    string

	UserCode   string
	Confirm    bool
	ConfirmURL string
}

var scopeDescriptions = map[string]string{
	server.ScopeOpenID:        "Verify your identity",
	server.ScopeProfile:       "Read your name and username",
	server.ScopeEmail:         "Read your email address",
	server.ScopeOfflineAccess: "Stay signed in when you are not using it",
}

func describeScope(scope string) string {
	if d, ok := scopeDescriptions[scope]; ok {
		return d
	}
	return scope
}

// renderPage renders a page template. formTargets are the origins its form
// may end up redirecting to.
func (h *Handler) renderPage(w http.ResponseWriter, status int, name string, data pageData, formTargets ...string) {
	// Render to a buffer first so a template error never sends a partial page
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		h.logger.Error("Failed to render page", "page", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	security.SetPageSecurityHeaders(w, h.server.Config.Issuer, formTargets...)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

var pageTemplates = template.Must(template.New("pages").Parse(pageTemplateSource))

const pageTemplateSource = `
{{define "header"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; background: #f4f5f7; color: #1d2330; display: flex; justify-content: center; padding: 4rem 1rem; margin: 0; }
main { background: #fff; border-radius: 8px; box-shadow: 0 2px 12px rgba(0,0,0,0.08); padding: 2rem; width: 100%; max-width: 420px; }
h1 { font-size: 1.4rem; margin-top: 0; }
label { display: block; margin: 1rem 0 0.3rem; font-weight: 600; }
input[type=text], input[type=password] { width: 100%; padding: 0.6rem; border: 1px solid #c8ccd4; border-radius: 4px; box-sizing: border-box; }
button { margin-top: 1.5rem; padding: 0.6rem 1.2rem; border: 0; border-radius: 4px; background: #2457d6; color: #fff; font-size: 1rem; cursor: pointer; }
button.secondary { background: #e4e7ec; color: #1d2330; }
ul { padding-left: 1.2rem; }
.error { color: #b3261e; }
.new { font-size: 0.8rem; color: #2457d6; margin-left: 0.4rem; }
.code { font-family: monospace; font-size: 1.3rem; letter-spacing: 0.1em; }
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
{{end}}

{{define "footer"}}</main>
</body>
</html>
{{end}}

{{define "scopes"}}<ul>
{{range .Scopes}}<li>{{.Description}}{{if .New}}<span class="new">new</span>{{end}}</li>
{{end}}</ul>{{end}}

{{define "login"}}{{template "header" .}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="return_to" value="{{.ReturnTo}}">
<label for="username">Username</label>
<input type="text" id="username" name="username" value="{{.Username}}" autocomplete="username" required autofocus>
<label for="password">Password</label>
<input type="password" id="password" name="password" autocomplete="current-password" required>
<button type="submit">Sign in</button>
</form>
{{template "footer" .}}{{end}}

{{define "consent"}}{{template "header" .}}
<p><strong>{{.ClientName}}</strong> would like to:</p>
{{template "scopes" .}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="request" value="{{.Request}}">
<button type="submit" name="decision" value="approve">Allow</button>
<button type="submit" name="decision" value="deny" class="secondary">Deny</button>
</form>
{{template "footer" .}}{{end}}

{{define "device"}}{{template "header" .}}
{{if .Confirm}}
<p>Confirm that this code is shown on your device:</p>
<p class="code">{{.UserCode}}</p>
<p><strong>{{.ClientName}}</strong> would like to:</p>
{{template "scopes" .}}
<form method="post" action="{{.ConfirmURL}}">
<input type="hidden" name="user_code" value="{{.UserCode}}">
<button type="submit" name="decision" value="approve">Allow</button>
<button type="submit" name="decision" value="deny" class="secondary">Deny</button>
</form>
{{else}}
<form method="get" action="{{.Action}}">
<label for="user_code">Enter the code shown on your device</label>
<input type="text" id="user_code" name="user_code" value="{{.UserCode}}" autocomplete="off" required autofocus>
<button type="submit">Continue</button>
</form>
{{end}}
{{template "footer" .}}{{end}}

{{define "logout"}}{{template "header" .}}
<form method="post" action="{{.Action}}">
<p>Do you want to sign out?</p>
<button type="submit">Sign out</button>
</form>
{{template "footer" .}}{{end}}

{{define "message"}}{{template "header" .}}
<p>{{.Message}}</p>
{{template "footer" .}}{{end}}
`
