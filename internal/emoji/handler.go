package emoji

import (
	"net/http"

	"github.com/gorilla/mux"
)

// HandleGet serves a cached emoji by key: binary body with the stored
// content type, 404 on miss.
func (c *Cache) HandleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	data, contentType, ok := c.Get(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}
