package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/adjust/rmq/v4"
	"github.com/bugsnag/bugsnag-go/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/mentionbridge/backend/internal/discovery"
	"github.com/mentionbridge/backend/internal/domain"
	"github.com/mentionbridge/backend/internal/jobs"
	"github.com/mentionbridge/backend/internal/repository"
	"github.com/mentionbridge/backend/internal/silo"
	"github.com/mentionbridge/backend/internal/webmention"
)

// Distinguished "retry later" code reported to the task queue. An
// otherwise unused status so queue retries don't trip error alerting.
const retryStatusCode = 306

type api struct {
	logger *zap.Logger
	statsd *statsd.Client

	sourceRepo   domain.SourceRepository
	responseRepo domain.ResponseRepository

	poll      *jobs.Poll
	propagate *jobs.Propagate
}

func NewAPI(ctx context.Context, logger *zap.Logger, statsd *statsd.Client, redis *redis.Client, pool *pgxpool.Pool, queue rmq.Connection) *api {
	siloClient := silo.NewClient(
		os.Getenv("SILO_API_URL"),
		statsd,
		redis,
		16,
	)

	propagateQueue, err := queue.OpenQueue("propagate")
	if err != nil {
		panic(err)
	}

	// Successor poll tasks wait in the deferral set until the scheduler
	// releases them, keeping the poll chain on its cadence.
	pollQueue := jobs.NewDeferredQueue(redis, jobs.PollDeferralKey, jobs.DefaultPollInterval)

	sourceRepo := repository.NewPostgresSource(pool)
	responseRepo := repository.NewPostgresResponse(pool)
	blacklist := discovery.BlacklistFromEnv()

	poll := jobs.NewPoll(logger, statsd, sourceRepo, responseRepo, siloClient, pollQueue, propagateQueue, blacklist)
	propagate := jobs.NewPropagate(
		logger,
		statsd,
		sourceRepo,
		responseRepo,
		webmention.NewClient(statsd),
		blacklist,
		os.Getenv("CANONICAL_HOST"),
		os.Getenv("PLATFORM_HOST"),
	)

	return &api{
		logger: logger,
		statsd: statsd,

		sourceRepo:   sourceRepo,
		responseRepo: responseRepo,

		poll:      poll,
		propagate: propagate,
	}
}

func (a *api) Server(port int) *http.Server {
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: bugsnag.Handler(a.Routes()),
	}
}

func (a *api) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/v1/health", a.healthCheckHandler).Methods("GET")

	r.HandleFunc("/v1/queue/poll", a.pollTaskHandler).Methods("POST")
	r.HandleFunc("/v1/queue/propagate", a.propagateTaskHandler).Methods("POST")

	r.Use(a.loggingMiddleware)

	return r
}

type LoggingResponseWriter struct {
	w          http.ResponseWriter
	statusCode int
	bytes      int
}

func (lrw *LoggingResponseWriter) Header() http.Header {
	return lrw.w.Header()
}

func (lrw *LoggingResponseWriter) Write(bb []byte) (int, error) {
	wb, err := lrw.w.Write(bb)
	lrw.bytes += wb
	return wb, err
}

func (lrw *LoggingResponseWriter) WriteHeader(statusCode int) {
	lrw.w.WriteHeader(statusCode)
	lrw.statusCode = statusCode
}

func (a *api) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip logging health checks
		if r.RequestURI == "/v1/health" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		lrw := &LoggingResponseWriter{w: w}
		next.ServeHTTP(lrw, r)

		remoteAddr := r.Header.Get("X-Forwarded-For")
		if remoteAddr == "" {
			if ip, _, err := net.SplitHostPort(r.RemoteAddr); err != nil {
				remoteAddr = "unknown"
			} else {
				remoteAddr = ip
			}
		}

		fields := []zap.Field{
			zap.Int64("duration", time.Since(start).Milliseconds()),
			zap.String("method", r.Method),
			zap.String("remote#addr", remoteAddr),
			zap.Int("response#bytes", lrw.bytes),
			zap.Int("status", lrw.statusCode),
			zap.String("uri", r.RequestURI),
		}

		if lrw.statusCode == 200 || lrw.statusCode == retryStatusCode {
			a.logger.Info("", fields...)
		} else {
			err := lrw.Header().Get("X-Bridge-Error")
			a.logger.Error(err, fields...)
		}
	})
}
