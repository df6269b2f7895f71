// Package httpdebug serves the router's debug introspection page (spec.md
// §4.9 SUPPLEMENTED FEATURES): an auto-refreshing HTML table of
// neighbors and a JSON endpoint with the same data plus the full
// next-hop table. Grounded on
// original_source/python/herald/routing_json.py's `RoutingJson` servlet;
// routed with gorilla/mux (the teacher, zeromq-gyre, has no HTTP surface
// of its own).
package httpdebug

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/librallu/cohorte-herald/internal/router"
)

// Handler renders routing introspection from a Hellos/Roads pair.
type Handler struct {
	hellos *router.Hellos
	roads  *router.Roads
}

// NewRouter builds a *mux.Router serving /routing (HTML) and
// /routing/json (JSON) against hellos and roads.
func NewRouter(hellos *router.Hellos, roads *router.Roads) *mux.Router {
	h := &Handler{hellos: hellos, roads: roads}
	r := mux.NewRouter()
	r.HandleFunc("/routing", h.serveHTML).Methods(http.MethodGet)
	r.HandleFunc("/routing/json", h.serveJSON).Methods(http.MethodGet)
	return r
}

type jsonView struct {
	Neighbours map[string]float64 `json:"neighbours"`
	NextHop    map[string]string  `json:"next_hop"`
	Accessible map[string]float64 `json:"accessible_peers"`
}

func (h *Handler) view() jsonView {
	return jsonView{
		Neighbours: h.hellos.NeighbourMetrics(),
		NextHop:    h.roads.NextHops(),
		Accessible: h.roads.AccessiblePeers(),
	}
}

func (h *Handler) serveJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.view())
}

func (h *Handler) serveHTML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, renderHTML(h.view()))
}

func renderHTML(v jsonView) string {
	uids := make([]string, 0, len(v.Neighbours))
	for uid := range v.Neighbours {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	rows := ""
	for _, uid := range uids {
		rows += fmt.Sprintf("<tr><td>%s</td><td>%f secs</td></tr>\n", uid, v.Neighbours[uid])
	}

	return fmt.Sprintf(`<html>
<head><title>routing information</title></head>
<body>
<h1>Routing information</h1>
<h2>Neighbours</h2>
<table border="1" style="width:100%%">
<tr><th>Neighbour UID</th><th>Metric</th></tr>
%s
</table>
<script type="text/javascript">setInterval('window.location.reload()', 2000);</script>
</body>
</html>`, rows)
}
