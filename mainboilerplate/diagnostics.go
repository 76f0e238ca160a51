package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" description:"Port serving metrics and diagnostics. Diagnostics aren't served if not set"`
}

// InitDiagnosticsAndRecover enables serving of metrics and debugging services
// registered on the default ServeMux, and returns a Readiness which the
// program marks once it's ready. It also returns a closure which should be
// deferred, which recovers a panic and attempts to log a K8s termination
// message.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) (*Readiness, func()) {
	var ready = new(Readiness)

	// Package "net/http/pprof" serves /debug/pprof/.
	// Package "expvar" serves /debug/vars
	registerDiagnostics(http.DefaultServeMux, ready)

	if cfg.Port != "" {
		go func() {
			var err = http.ListenAndServe(":"+cfg.Port, nil)
			log.WithFields(log.Fields{"port": cfg.Port, "err": err}).Error("diagnostics server exited")
		}()
	}

	return ready, func() {
		if r := recover(); r != nil {
			// Make a best effort attempt to write a termination message.
			// Bug: https://github.com/kubernetes/kubernetes/issues/31839
			if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
				fmt.Fprintf(f, "%+v", r)
				f.Close()
			}
			panic(r)
		}
	}
}

// Readiness is served at /debug/ready, as 200 once marked ready
// and 503 before.
type Readiness struct{ ready atomic.Bool }

// MarkReady marks the program as ready.
func (r *Readiness) MarkReady() { r.ready.Store(true) }

func registerDiagnostics(mux *http.ServeMux, ready *Readiness) {
	mux.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		if ready.ready.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	// Serve Prometheus metrics at /debug/metrics.
	mux.Handle("/debug/metrics", promhttp.Handler())
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

const (
	// k8sTerminationLog is the location to write a termination message for
	// Kubernetes to retrieve.
	//
	// Link: https://kubernetes.io/docs/tasks/debug-application-cluster/determine-reason-pod-failure/#setting-the-termination-log-file
	k8sTerminationLog = "/dev/termination-log"
)
