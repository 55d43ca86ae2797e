package api

import (
	"fmt"
	"net/http"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	qrDefaultSize = 256
	qrMaxSize     = 1024
)

// handleOnboardingQR renders the server's base URL as a PNG QR code so
// the mobile app can be pointed at this instance by scanning it. The
// URL defaults to how the client reached us; override with ?url= when
// the server sits behind a proxy.
func (s *Server) handleOnboardingQR(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		target = fmt.Sprintf("%s://%s", scheme, r.Host)
	}

	size := qrDefaultSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > qrMaxSize {
			s.errorResponse(w, http.StatusBadRequest, "size must be an integer in [64,1024]")
			return
		}
		size = n
	}

	png, err := qrcode.Encode(target, qrcode.Medium, size)
	if err != nil {
		s.logger.Error("qr encode failed", "url", target, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "qr generation failed")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write qr response", "error", err)
	}
}
