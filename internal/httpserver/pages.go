package httpserver

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"slotwall/internal/slots"
)

const (
	immutableCache = "public, max-age=31536000, immutable"
	loginBodyLimit = 4 << 10
)

type slotView struct {
	ID        int
	Version   uint64
	Present   bool
	Path      string
	URL       string
	Thumb     string
	UpdatedAt time.Time
}

type slotJSON struct {
	Slot      int       `json:"slot"`
	Version   uint64    `json:"version"`
	Present   bool      `json:"present"`
	URL       string    `json:"url"`
	Thumb     string    `json:"thumb"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

func (s *Server) slotViews() []slotView {
	snap := s.store.Snapshot()
	out := make([]slotView, 0, len(snap))
	for _, sl := range snap {
		v := strconv.FormatUint(sl.Version, 10)
		name := slots.FileName(sl.ID)
		out = append(out, slotView{
			ID:        sl.ID,
			Version:   sl.Version,
			Present:   sl.Present,
			Path:      "/images/" + name,
			URL:       "/images/" + name + "?v=" + v,
			Thumb:     "/thumbs/" + name + "?v=" + v,
			UpdatedAt: sl.ModTime,
		})
	}
	return out
}

type pageData struct {
	Title     string
	Slots     []slotView
	Error     bool
	Throttled bool
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "index.html", pageData{Title: s.cfg.Title, Slots: s.slotViews()})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "control.html", pageData{Title: s.cfg.Title, Slots: s.slotViews()})
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	views := s.slotViews()
	out := make([]slotJSON, 0, len(views))
	for _, v := range views {
		out = append(out, slotJSON{
			Slot:      v.ID,
			Version:   v.Version,
			Present:   v.Present,
			URL:       v.URL,
			Thumb:     v.Thumb,
			UpdatedAt: v.UpdatedAt,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if s.authz.Authorized(r) {
		http.Redirect(w, r, "/control", http.StatusSeeOther)
		return
	}
	s.render(w, http.StatusOK, "login.html", pageData{
		Title: s.cfg.Title,
		Error: r.URL.Query().Get("error") == "1",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, loginBodyLimit)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if !s.password.Check(r.PostFormValue("password")) {
		s.log.Warn("login failed", "remote", r.RemoteAddr)
		http.Redirect(w, r, "/login?error=1", http.StatusSeeOther)
		return
	}
	if err := s.sessions.Issue(w); err != nil {
		s.log.Error("issue session", "error", err)
		http.Error(w, "could not start session", http.StatusInternalServerError)
		return
	}
	s.log.Info("login", "remote", r.RemoteAddr)
	http.Redirect(w, r, "/control", http.StatusSeeOther)
}

func (s *Server) handleLoginThrottled(w http.ResponseWriter, r *http.Request) {
	s.log.Warn("login throttled", "remote", r.RemoteAddr)
	w.Header().Set("Retry-After", "10")
	s.render(w, http.StatusTooManyRequests, "login.html", pageData{Title: s.cfg.Title, Throttled: true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// setImageCache makes versioned URLs immutable; bare URLs must revalidate.
func setImageCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("v") || q.Has("t") {
		w.Header().Set("Cache-Control", immutableCache)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	id, ok := slots.ParseFileName(chi.URLParam(r, "name"))
	if !ok || !s.store.Valid(id) {
		http.NotFound(w, r)
		return
	}
	// An open handle keeps reading the old inode if the slot is replaced
	// mid-response.
	f, err := os.Open(s.pipe.SlotPath(id))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Error("open slot image", "slot", id, "error", err)
		}
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		http.NotFound(w, r)
		return
	}

	// The canonical name ends in .jpg regardless of the stored format.
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(head[:n]))
	setImageCache(w, r)
	http.ServeContent(w, r, "", st.ModTime(), f)
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	id, ok := slots.ParseFileName(chi.URLParam(r, "name"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	sl, err := s.store.Get(id)
	if err != nil || !sl.Present {
		http.NotFound(w, r)
		return
	}
	b, err := s.thumbs.get(id, sl.Version, s.pipe.SlotPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		s.log.Error("thumbnail", "slot", id, "error", err)
		http.Error(w, "thumbnail failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	setImageCache(w, r)
	_, _ = w.Write(b)
}
