package router

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antmicro/renode-ws-proxy/internal/sandbox"
	"github.com/antmicro/renode-ws-proxy/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const maxMessageBytes = 200 * 1024 * 1024 // large enough for base64 binary uploads

// Build wires the control, telnet-bridge, and stream-bridge path templates
// onto a gorilla/mux router backed by srv.
func Build(srv *supervisor.Server) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/proxy", controlHandler(srv, ""))
	r.HandleFunc("/proxy/{cwd:.*}", func(w http.ResponseWriter, req *http.Request) {
		cwd := mux.Vars(req)["cwd"]
		controlHandler(srv, cwd)(w, req)
	})
	r.HandleFunc("/telnet/{port:[0-9]+}", telnetHandler(srv))
	r.HandleFunc("/run/{program:.*}", runHandler(srv))
	r.Handle("/metrics", promhttp.HandlerFor(srv.Metrics.Reg, promhttp.HandlerOpts{}))
	return r
}

func controlHandler(srv *supervisor.Server, cwd string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.Log.WithError(err).Warn("control websocket upgrade failed")
			return
		}
		conn.SetReadLimit(maxMessageBytes)

		sb, err := sandbox.Open(srv.Config.WorkspaceDir, cwd)
		if err != nil {
			srv.Log.WithError(err).Error("failed to open sandbox for control connection")
			conn.Close()
			return
		}

		sess := newSession(srv, newSafeConn(conn), sb)
		sess.Run(r.Context())
	}
}

func telnetHandler(srv *supervisor.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		portStr := mux.Vars(r)["port"]
		port, err := strconv.Atoi(portStr)
		if err != nil {
			http.Error(w, "invalid port", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.Log.WithError(err).Warn("telnet websocket upgrade failed")
			return
		}
		defer conn.Close()

		srv.Metrics.ActiveTCPBridges.Inc()
		defer srv.Metrics.ActiveTCPBridges.Dec()

		if err := srv.TCP.Serve(r.Context(), conn, port); err != nil {
			srv.Log.WithError(err).WithField("port", port).Debug("tcp bridge ended")
		}
	}
}

func runHandler(srv *supervisor.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		program := mux.Vars(r)["program"]
		if program != "" {
			program = resolveProgram(srv, program)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.Log.WithError(err).Warn("run websocket upgrade failed")
			return
		}
		defer conn.Close()

		srv.Metrics.ActiveStreamBridges.Inc()
		defer srv.Metrics.ActiveStreamBridges.Dec()

		if err := srv.Stream.Serve(r.Context(), conn, program); err != nil {
			srv.Log.WithError(err).WithField("program", program).Debug("stream bridge ended")
		}
	}
}

// resolveProgram lets a bare program name resolve relative to the
// workspace, matching the sandboxed feel of the rest of the protocol,
// while still allowing an absolute debugger path.
func resolveProgram(srv *supervisor.Server, program string) string {
	if filepath.IsAbs(program) {
		return program
	}
	return filepath.Join(srv.Config.WorkspaceDir, program)
}
