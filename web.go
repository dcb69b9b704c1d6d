package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Seednode/ultimatum/storage"
	"github.com/Seednode/ultimatum/ultimatum"
	"github.com/dustin/go-humanize"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("ultimatum v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanize.Bytes(uint64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// newExperiment builds the experiment from cfg, restoring the latest
// archived snapshot when asked to.
func newExperiment(ctx context.Context, cfg *Config, archive *storage.Store) (*ultimatum.Experiment, error) {
	opts := []ultimatum.Option{
		ultimatum.WithLogger(cfg.logger),
		ultimatum.WithMaxResearchers(cfg.researchers),
		ultimatum.WithMaxSubRounds(cfg.subRounds),
	}
	if cfg.seed != 0 {
		opts = append(opts, ultimatum.WithRand(rand.New(rand.NewPCG(cfg.seed, cfg.seed))))
	}

	exp := ultimatum.New(opts...)

	if !cfg.restore || archive == nil {
		return exp, nil
	}

	doc, err := archive.Latest(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logf(cfg, "START: No snapshot to restore in %s", cfg.database)
		return exp, nil
	case err != nil:
		return nil, err
	}

	if err := exp.Restore(doc); err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}

	logf(cfg, "START: Restored %d players and %d games from %s", len(doc.Players), len(doc.Games), cfg.database)

	return exp, nil
}

func newRouter(cfg *Config, exp *ultimatum.Experiment, archive snapshotArchive, errs chan<- error) *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		cfg.logger.Error("SERVE: Recovered from panic", zap.Any("panic", i), zap.String("path", r.URL.Path))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	mux.GET(cfg.prefix+"/", serveHomePage(cfg, errs))

	mux.GET(cfg.prefix+"/assets/*asset", serveAssets(cfg, errs))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	registerExperiment(cfg, mux, exp, archive, errs)

	return mux
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: ultimatum v%s", releaseVersion)

	var archive *storage.Store
	if cfg.database != "" {
		archive, err = storage.Open(ctx, cfg.database)
		if err != nil {
			return err
		}
		defer archive.Close()

		logf(cfg, "START: Archiving snapshots to %s", cfg.database)
	}

	exp, err := newExperiment(ctx, cfg, archive)
	if err != nil {
		return err
	}

	errs := make(chan error, 64)

	go func() {
		for {
			select {
			case err := <-errs:
				cfg.logger.Error("SERVE: Write failed", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()

	// Keep a nil *storage.Store out of the interface.
	var mux *httprouter.Router
	if archive != nil {
		mux = newRouter(cfg, exp, archive, errs)
	} else {
		mux = newRouter(cfg, exp, nil, errs)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	go func() {
		var err error
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cfg.logger.Error("SERVE: Listener stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if archive != nil {
		if _, err := archive.Save(shutdownCtx, "shutdown", exp.Export()); err != nil {
			cfg.logger.Error("SERVE: Failed to archive on shutdown", zap.Error(err))
		}
	}

	return nil
}
