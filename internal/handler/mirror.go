package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/otterscale/otterscale-mirror/internal/core"
	"github.com/otterscale/otterscale-mirror/internal/middleware"
)

// MirrorHandler serves the read-only HTTP API over the mirrored
// collections.
type MirrorHandler struct {
	mirror *core.MirrorUseCase
	log    *slog.Logger
}

// NewMirrorHandler returns a MirrorHandler backed by the given
// MirrorUseCase.
func NewMirrorHandler(mirror *core.MirrorUseCase) *MirrorHandler {
	return &MirrorHandler{
		mirror: mirror,
		log:    slog.Default().With("component", "mirror-handler"),
	}
}

// Register adds the API and probe routes to mux.
func (h *MirrorHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/resources", h.listResources)
	mux.HandleFunc("GET /v1/resources/{resource}", h.getResource)
	mux.HandleFunc("GET /v1/resources/{resource}/objects", h.listObjects)
	mux.HandleFunc("GET /v1/resources/{resource}/objects/{name}", h.getObject)
	mux.HandleFunc("GET /v1/resources/{resource}/namespaces/{namespace}/objects", h.listObjects)
	mux.HandleFunc("GET /v1/resources/{resource}/namespaces/{namespace}/objects/{name}", h.getObject)
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

type resourceView struct {
	Name            string     `json:"name"`
	Group           string     `json:"group,omitempty"`
	Version         string     `json:"version"`
	Resource        string     `json:"resource"`
	Kind            string     `json:"kind"`
	Namespaced      bool       `json:"namespaced"`
	State           string     `json:"state"`
	Synced          bool       `json:"synced"`
	ResourceVersion string     `json:"resourceVersion,omitempty"`
	LastResync      *time.Time `json:"lastResync,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	Objects         int        `json:"objects"`
	PendingDeletes  int        `json:"pendingDeletes"`
}

type resourceIndex struct {
	ServerVersion string         `json:"serverVersion,omitempty"`
	Resources     []resourceView `json:"resources"`
}

type objectList struct {
	APIVersion string           `json:"apiVersion"`
	Kind       string           `json:"kind"`
	Items      []map[string]any `json:"items"`
}

func toResourceView(info core.MirrorInfo) resourceView {
	v := resourceView{
		Name:            info.Resource.Name,
		Group:           info.Resource.Group,
		Version:         info.Resource.Version,
		Resource:        info.Resource.Resource,
		Kind:            info.Resource.Kind,
		Namespaced:      info.Resource.Namespaced,
		State:           string(info.Status.State),
		Synced:          info.Status.Synced,
		ResourceVersion: info.Status.ResourceVersion,
		LastError:       info.Status.LastError,
		Objects:         info.Objects,
		PendingDeletes:  info.PendingDeletes,
	}
	if !info.Status.LastResync.IsZero() {
		t := info.Status.LastResync
		v.LastResync = &t
	}
	return v
}

// ---------------------------------------------------------------------------
// Resources
// ---------------------------------------------------------------------------

func (h *MirrorHandler) listResources(w http.ResponseWriter, r *http.Request) {
	infos := h.mirror.Mirrors()
	index := resourceIndex{Resources: make([]resourceView, 0, len(infos))}
	for _, info := range infos {
		index.Resources = append(index.Resources, toResourceView(info))
	}

	if info, err := h.mirror.ServerVersion(r.Context()); err != nil {
		h.log.Warn("failed to get server version", "error", err, "request_id", middleware.RequestIDFrom(r.Context()))
	} else {
		index.ServerVersion = info.String()
	}

	h.render(w, r, http.StatusOK, index)
}

func (h *MirrorHandler) getResource(w http.ResponseWriter, r *http.Request) {
	info, err := h.mirror.Mirror(r.PathValue("resource"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, toResourceView(info))
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

func (h *MirrorHandler) listObjects(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	if namespace == "" {
		namespace = r.URL.Query().Get("namespace")
	}

	objs, err := h.mirror.ListObjects(r.PathValue("resource"), namespace)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	list := objectList{APIVersion: "v1", Kind: "List", Items: make([]map[string]any, 0, len(objs))}
	for _, obj := range objs {
		list.Items = append(list.Items, obj.Object)
	}
	h.render(w, r, http.StatusOK, list)
}

func (h *MirrorHandler) getObject(w http.ResponseWriter, r *http.Request) {
	obj, err := h.mirror.GetObject(r.PathValue("resource"), r.PathValue("namespace"), r.PathValue("name"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, obj.Object)
}

// ---------------------------------------------------------------------------
// Probes
// ---------------------------------------------------------------------------

func (h *MirrorHandler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// readyz answers 503 until every mirror has completed its initial sync
// and lists the ones that have not.
func (h *MirrorHandler) readyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if h.mirror.Ready() {
		_, _ = w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	infos := h.mirror.Mirrors()
	if len(infos) == 0 {
		_, _ = w.Write([]byte("mirrors not started\n"))
		return
	}
	for _, info := range infos {
		if !info.Status.Synced {
			_, _ = w.Write([]byte("not synced: " + info.Resource.Name + "\n"))
		}
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		resourceNotFound *core.ErrResourceNotFound
		objectNotFound   *core.ErrObjectNotFound
		invalid          *core.ErrInvalidOptions
	)
	switch {
	case errors.As(err, &resourceNotFound), errors.As(err, &objectNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func (h *MirrorHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "error", err, "request_id", middleware.RequestIDFrom(r.Context()))
	}
	h.render(w, r, status, errorBody{Error: err.Error(), RequestID: middleware.RequestIDFrom(r.Context())})
}
