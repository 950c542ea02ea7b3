package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"gitcity.dev/internal/persistence/indexdb"
)

// Local-only operational endpoints over the sqlite index. They read the
// write-behind index, not the engine, so they never contend with Apply.
func registerAdmin(mux *http.ServeMux, idx *indexdb.SQLiteIndex) {
	mux.HandleFunc("/admin/v1/events", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		var (
			rows any
			err  error
		)
		if key := r.URL.Query().Get("key"); key != "" {
			rows, err = idx.EventsForKey(key, queryLimit(r))
		} else {
			rows, err = idx.RecentEvents(queryLimit(r))
		}
		writeAdminJSON(rw, rows, err)
	})
	mux.HandleFunc("/admin/v1/summaries", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rows, err := idx.Summaries(queryLimit(r))
		writeAdminJSON(rw, rows, err)
	})
	mux.HandleFunc("/admin/v1/snapshots", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rows, err := idx.Snapshots()
		writeAdminJSON(rw, rows, err)
	})
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil {
		return 0
	}
	return n
}

func writeAdminJSON(rw http.ResponseWriter, v any, err error) {
	rw.Header().Set("Content-Type", "application/json")
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
