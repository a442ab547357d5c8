package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/koustreak/bucketgw/internal/bucket"
	"github.com/koustreak/bucketgw/internal/disconnect"
	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
	"github.com/koustreak/bucketgw/internal/logger"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type bucketRef struct {
	ID   uuid.UUID `json:"id"`
	Href string    `json:"href"`
}

type bucketItem struct {
	bucket.Summary
	Href string `json:"href"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// StatusOf maps an error to its HTTP status code.
func StatusOf(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}

	switch errs.KindOf(err) {
	case errs.ErrKindInvalidInput:
		return http.StatusUnprocessableEntity
	case errs.ErrKindNotFound:
		return http.StatusNotFound
	case errs.ErrKindConflict:
		return http.StatusConflict
	case errs.ErrKindBadRequest:
		return http.StatusBadRequest
	case errs.ErrKindNotImplemented, errs.ErrKindUnknownDriver:
		return http.StatusNotImplemented
	case errs.ErrKindConnectionFailed:
		return http.StatusBadGateway
	case errs.ErrKindTimeout:
		return http.StatusGatewayTimeout
	case errs.ErrKindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if disconnect.Gone(r.Context()) {
		// nobody is reading; the disconnect middleware logs the abort
		return
	}

	body := errorBody{Error: err.Error(), Kind: errs.KindOf(err).String()}
	var e *errs.Error
	if errors.As(err, &e) {
		body.Error = e.Message
		if e.Cause != nil && status < http.StatusInternalServerError {
			body.Error += ": " + e.Cause.Error()
		}
	}
	if status == http.StatusRequestEntityTooLarge {
		body.Error = "upload exceeds the size limit"
	}
	if errs.IsUnknownDriver(err) {
		body.Error = "driver not installed: " + body.Error
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).With().Str("path", r.URL.Path).Err(err).Logger().Debug("request failed")
	}
	writeJSON(w, status, body)
}

func (s *Server) href(name string) string {
	return s.cfg.URLPrefix + "/objects/buckets/" + url.PathEscape(name)
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.Wrap(errs.ErrKindBadRequest, "request body is not valid JSON", err)
	}
	return nil
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}

func (s *Server) listDrivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListDrivers())
}

func (s *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListBuckets(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]bucketItem, 0, len(list))
	for _, b := range list {
		out = append(out, bucketItem{Summary: b, Href: s.href(b.Name)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createBucket(w http.ResponseWriter, r *http.Request) {
	var req bucket.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.svc.CreateBucket(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	href := s.href(req.Name)
	w.Header().Set("Location", href)
	writeJSON(w, http.StatusCreated, bucketRef{ID: id, Href: href})
}

func (s *Server) getBucket(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetBucket(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) updateBucket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	var p bucket.Patch
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.svc.UpdateBucket(r.Context(), name, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bucketRef{ID: id, Href: s.href(name)})
}

func (s *Server) deleteBucket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	id, err := s.svc.DeleteBucket(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bucketRef{ID: id, Href: s.href(name)})
}

// objectPath returns the percent-decoded wildcard of a path route.
func objectPath(r *http.Request) (string, error) {
	p := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		// routing used the already decoded path
		return p, nil
	}
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", errs.Wrap(errs.ErrKindBadRequest, "invalid path encoding", err)
	}
	return decoded, nil
}

func boolQuery(r *http.Request, key string, def bool) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errs.Newf(errs.ErrKindBadRequest, "query parameter %s must be a boolean", key)
	}
	return b, nil
}

func (s *Server) getPath(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	p, err := objectPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recursive, err := boolQuery(r, "recursive", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	download, err := boolQuery(r, "download", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if download {
		s.download(w, r, name, p)
		return
	}

	entry, err := s.svc.GetPath(r.Context(), name, p, recursive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request, name, p string) {
	obj, err := s.svc.Download(r.Context(), name, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer obj.Close()

	info := obj.Info()
	ctype := info.MIME
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(info.Name)}))
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, filestore.BufferSize)
	if _, err := io.CopyBuffer(w, obj, buf); err != nil && !disconnect.Gone(r.Context()) {
		// headers are gone, the client sees a short body
		logger.FromContext(r.Context()).With().Str("bucket", name).Str("path", p).Err(err).Logger().Warn("download interrupted")
	}
}

func (s *Server) putPath(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	p, err := objectPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	}

	part, err := filePart(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer part.Close()

	res, err := s.svc.PutPath(r.Context(), name, p, part)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// filePart streams the "file" field of a multipart upload without buffering
// it to disk.
func filePart(r *http.Request) (io.ReadCloser, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindBadRequest, "expected a multipart/form-data body", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errs.New(errs.ErrKindInvalidInput, "form field \"file\" is required")
		}
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindBadRequest, "malformed multipart body", err)
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

func (s *Server) deletePath(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	p, err := objectPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.DeletePath(r.Context(), name, p); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
