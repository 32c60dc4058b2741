package handler

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	"onboard-service/internal/onboarding"
	"onboard-service/internal/util"

	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// PageHandler serves the splash, login and signup pages of the widget
type PageHandler struct {
	splashDelay time.Duration
	codeLength  int
	logger      *zap.Logger
}

func NewPageHandler(splashDelay time.Duration, codeLength int, logger *zap.Logger) *PageHandler {
	return &PageHandler{splashDelay: splashDelay, codeLength: codeLength, logger: logger}
}

type splashData struct {
	DelaySeconds int
	Target       string
}

type authPageData struct {
	Mode       onboarding.Mode
	Title      string
	OtherPath  string
	OtherLabel string
	Digits     []int
}

// Splash redirects to the login page after the splash delay
func (h *PageHandler) Splash(w http.ResponseWriter, r *http.Request) {
	delay := int(h.splashDelay.Round(time.Second) / time.Second)
	if delay < 0 {
		delay = 0
	}
	h.render(w, "splash.html", splashData{DelaySeconds: delay, Target: "/login"})
}

func (h *PageHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.render(w, "auth.html", h.authData(onboarding.ModeLogin))
}

func (h *PageHandler) Signup(w http.ResponseWriter, r *http.Request) {
	h.render(w, "auth.html", h.authData(onboarding.ModeSignup))
}

func (h *PageHandler) authData(mode onboarding.Mode) authPageData {
	d := authPageData{
		Mode:       mode,
		Title:      "Log in",
		OtherPath:  "/signup",
		OtherLabel: "Create an account",
		Digits:     make([]int, h.codeLength),
	}
	if mode == onboarding.ModeSignup {
		d.Title = "Sign up"
		d.OtherPath = "/login"
		d.OtherLabel = "I already have an account"
	}
	for i := range d.Digits {
		d.Digits[i] = i
	}
	return d
}

func (h *PageHandler) render(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("Failed to render page", util.String("page", name), util.ErrorField(err))
	}
}
