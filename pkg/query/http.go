package query

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/elastic/devfiler/pkg/api"
	"github.com/elastic/devfiler/pkg/model"
)

// maxUploadSize bounds manually uploaded executables.
const maxUploadSize int64 = 4 << 30

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = jsoniter.NewEncoder(w).Encode(v)
}

func readUpload(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, api.ErrRequestBodyRequired
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		return nil, err
	}
	switch {
	case len(data) == 0:
		return nil, api.ErrRequestBodyRequired
	case int64(len(data)) > maxUploadSize:
		return nil, model.Invalidf("upload exceeds %d bytes", maxUploadSize)
	}
	return data, nil
}

// ExecutableBytesHandler streams the stored bytes of an executable.
func (q *Querier) ExecutableBytesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseExecutableID(mux.Vars(r)["id"])
	if err != nil {
		api.Error(w, err)
		return
	}
	rc, exe, err := q.store.ExecutableBytes(r.Context(), id)
	if err != nil {
		api.Error(w, err)
		return
	}
	defer rc.Close()

	name := exe.FileName
	if name == "" {
		name = id.String()
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	w.Header().Set("Content-Length", strconv.FormatInt(exe.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		level.Warn(q.logger).Log("msg", "failed to send executable bytes", "id", id, "err", err)
	}
}

// UploadExecutableHandler stores an executable under the hash of its
// content. The optional file_name query parameter names it.
//
//	curl -T ./app http://localhost:11000/api/v1/executables/bytes?file_name=app
func (q *Querier) UploadExecutableHandler(w http.ResponseWriter, r *http.Request) {
	data, err := readUpload(r)
	if err != nil {
		api.Error(w, err)
		return
	}
	exe, err := q.registry.Upload(r.Context(), data, r.URL.Query().Get("file_name"))
	if err != nil {
		api.Error(w, err)
		return
	}
	level.Info(q.logger).Log("msg", "executable uploaded", "id", exe.ID, "file_name", exe.FileName, "size", exe.Size)
	writeJSON(w, http.StatusOK, exe)
}

// AttachExecutableHandler stores debug info for an executable that is
// identified by something other than the content hash of the upload, e.g. a
// stripped binary reported by the agent.
func (q *Querier) AttachExecutableHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseExecutableID(mux.Vars(r)["id"])
	if err != nil {
		api.Error(w, err)
		return
	}
	data, err := readUpload(r)
	if err != nil {
		api.Error(w, err)
		return
	}
	exe, err := q.registry.Attach(r.Context(), id, data, r.URL.Query().Get("file_name"))
	if err != nil {
		api.Error(w, err)
		return
	}
	level.Info(q.logger).Log("msg", "debug info attached", "id", exe.ID, "size", exe.Size)
	writeJSON(w, http.StatusOK, exe)
}

// RemoveExecutableHandler drops an executable with its bytes and symbols.
func (q *Querier) RemoveExecutableHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseExecutableID(mux.Vars(r)["id"])
	if err != nil {
		api.Error(w, err)
		return
	}
	if err := q.registry.Remove(r.Context(), id); err != nil {
		api.Error(w, err)
		return
	}
	level.Info(q.logger).Log("msg", "executable removed", "id", id)
	w.WriteHeader(http.StatusNoContent)
}
