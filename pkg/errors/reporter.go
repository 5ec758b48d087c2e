package errors

import (
	"github.com/certifi/gocertifi"
	"github.com/getsentry/sentry-go"
	"moff.io/coursewallet/pkg/log"
	"os"
	"sync"
	"time"
)

var (
	reportersLock sync.RWMutex
	reporters     []Reporter
)

func init() {
	if os.Getenv(debugMode) == "" {
		log.Info("Env DEBUG not set, report errors enabled.")
	} else {
		log.Info("Env DEBUG set, report errors disabled.")
	}
}

func report(err error) {
	if err == nil {
		return
	}
	if os.Getenv(debugMode) != "" {
		return
	}
	reportersLock.RLock()
	defer reportersLock.RUnlock()
	for _, r := range reporters {
		r.Report(err)
	}
}

// Reporter receives every error built with one of the ...AndReport helpers.
type Reporter interface {
	Report(error)
}

// RegisterReporter adds r to the reporters invoked on every reported error.
func RegisterReporter(r Reporter) {
	if r == nil {
		return
	}
	reportersLock.Lock()
	defer reportersLock.Unlock()
	reporters = append(reporters, r)
}

// ResetReporters drops all registered reporters.
func ResetReporters() {
	reportersLock.Lock()
	defer reportersLock.Unlock()
	reporters = nil
}

type sentryReporter struct {
	throttle *reportThrottle
}

func (s *sentryReporter) Report(err error) {
	stacks := callers().fullStack()
	if _, ok := s.throttle.allowCaller(stacks); !ok {
		return
	}
	sentry.CaptureException(err)
}

// 设置该变量，则不会上报
const debugMode = "DEBUG"

// NewSentryReporter initializes sentry and registers it as an error reporter.
// An empty DSN skips initialization. Errors raised from the same call site
// are reported at most once per silent duration.
func NewSentryReporter(sentryDSN string, silent time.Duration) error {
	if sentryDSN == "" {
		log.Warn("empty DSN found, skipping sentry reporter initialization.")
		return nil
	}
	sentryClientOptions := sentry.ClientOptions{
		Dsn: sentryDSN,
	}

	rootCAs, err := gocertifi.CACerts()
	if err != nil {
		return Wrap(err, "init sentry CA")
	}

	sentryClientOptions.CaCerts = rootCAs
	err = sentry.Init(sentryClientOptions)
	if err != nil {
		return Wrap(err, "init sentry")
	}
	log.Info("sentry error reporter initialized.")
	RegisterReporter(&sentryReporter{throttle: newReportThrottle(silent)})
	return nil
}
