package http

import (
	"context"
	"encoding/base64"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/websocket"
	"io"
	"moff.io/coursewallet/internal/chainclient"
	"moff.io/coursewallet/internal/config"
	"moff.io/coursewallet/internal/connection"
	"moff.io/coursewallet/internal/progress"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/internal/walletconnect"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"moff.io/coursewallet/pkg/log/middleware"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	qrCodeSize = 256
	// statusWriteWait bounds one write to a status stream client.
	statusWriteWait = 10 * time.Second
)

// Server is the local control API the course UI talks to.
type Server struct {
	facade  *connection.Facade
	tracker *progress.Tracker
	limiter *redis_rate.Limiter

	addr      string
	timeout   time.Duration
	courses   map[string][]string
	rateLimit int

	upgrader websocket.Upgrader
	once     sync.Once
	router   *gin.Engine
	srv      *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds the API. limiter may be nil, connects are then not rate limited.
func NewServer(facade *connection.Facade, tracker *progress.Tracker, limiter *redis_rate.Limiter) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		facade:    facade,
		tracker:   tracker,
		limiter:   limiter,
		addr:      "127.0.0.1:8080",
		courses:   make(map[string][]string),
		rateLimit: 10,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Server) Apply(conf *config.Configuration) {
	if conf.HTTPAddress != "" {
		s.addr = conf.HTTPAddress
	}
	s.timeout = conf.Timeouts.HTTP
	if conf.Courses != nil {
		s.courses = conf.Courses
	}
	if conf.ConnectRateLimit > 0 {
		s.rateLimit = conf.ConnectRateLimit
	}
}

// Handler returns the router, built on first use.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(middleware.RecoveredHTTPLog(), middleware.TimeoutHTTP(s.timeout))
		router.GET("/status", s.status)
		router.GET("/status/stream", s.streamStatus)
		router.POST("/connect", s.connect)
		router.POST("/disconnect", s.disconnect)
		router.POST("/switch-chain", s.switchChain)
		router.POST("/sign", s.sign)
		router.GET("/courses/:course/sections", s.sections)
		router.POST("/courses/:course/sections/:section/complete", s.completeSection)
		router.GET("/courses/:course/access", s.courseAccess)
		router.POST("/courses/:course/purchase", s.purchaseCourse)
		router.DELETE("/progress", s.resetProgress)
		s.router = router
	})
	return s.router
}

func (s *Server) Start(ctx context.Context) {
	s.srv = &http.Server{Addr: s.addr, Handler: s.Handler()}
	go func() {
		log.Infof("control api listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(errors.WrapAndReport(err, "serve control api"))
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
}

func (s *Server) Stop() {
	s.cancel()
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warnf("shutdown control api: %v", err)
	}
}

func ok(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, gin.H{
		"code": 0,
		"msg":  "ok",
		"data": data,
	})
}

func badRequest(ctx *gin.Context, err error) {
	ctx.JSON(http.StatusBadRequest, gin.H{
		"code": 4000,
		"msg":  err.Error(),
	})
}

// fail maps domain errors to a status and business code.
func fail(ctx *gin.Context, err error) {
	status, code := http.StatusInternalServerError, 5000
	var rpcErr *session.RPCError
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		status, code = http.StatusConflict, 4010
	case errors.Is(err, session.ErrSuperseded):
		status, code = http.StatusConflict, 4090
	case errors.Is(err, session.ErrChainSwitchRejected):
		status, code = http.StatusBadRequest, 4001
	case errors.Is(err, session.ErrNoAccountsReturned):
		status, code = http.StatusBadRequest, 4002
	case errors.Is(err, progress.ErrSectionLocked):
		status, code = http.StatusForbidden, 4030
	case errors.Is(err, progress.ErrUnknownSection):
		status, code = http.StatusNotFound, 4040
	case errors.Is(err, session.ErrSignatureMismatch):
		status, code = http.StatusBadGateway, 5020
	case errors.As(err, &rpcErr):
		if rpcErr.Code == session.CodeUserRejected {
			status, code = http.StatusBadRequest, 4001
		} else {
			status, code = http.StatusBadGateway, 5021
		}
	case errors.Is(err, connection.ErrClientNotReady):
		status, code = http.StatusServiceUnavailable, 5030
	case errors.Is(err, session.ErrConnectorUnavailable):
		status, code = http.StatusServiceUnavailable, 5031
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, 5040
	}
	if status >= http.StatusInternalServerError {
		log.Error(err)
	}
	ctx.JSON(status, gin.H{
		"code": code,
		"msg":  err.Error(),
	})
}

func (s *Server) status(ctx *gin.Context) {
	ok(ctx, s.facade.Status())
}

// streamStatus writes the current status, then one message per change.
func (s *Server) streamStatus(ctx *gin.Context) {
	conn, err := s.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		log.Warnf("upgrade status stream: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan connection.Status, 16)
	sub := s.facade.SubscribeStatus(ch)
	defer sub.Unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeStatus(conn, s.facade.Status()); err != nil {
		return
	}
	for {
		select {
		case st := <-ch:
			if err := writeStatus(conn, st); err != nil {
				log.Debugf("status stream closed: %v", err)
				return
			}
		case <-sub.Err():
			return
		case <-closed:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func writeStatus(conn *websocket.Conn, st connection.Status) error {
	if err := conn.SetWriteDeadline(time.Now().Add(statusWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(st)
}

type connectRequest struct {
	ChainID int64 `json:"chainId"`
}

// connect starts a wallet connection in the background and answers with the
// pairing uri as soon as the connector has one.
func (s *Server) connect(ctx *gin.Context) {
	if !s.allow(ctx, "connect") {
		return
	}
	var req connectRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(ctx, err)
		return
	}

	uris := make(chan string, 1)
	result := make(chan error, 1)
	go func() {
		err := s.facade.Connect(s.ctx, session.ConnectOptions{
			ChainID: req.ChainID,
			DisplayURI: func(uri string) error {
				select {
				case uris <- uri:
				default:
				}
				return nil
			},
		})
		if err != nil {
			log.Warnf("wallet connect from control api: %v", err)
		}
		result <- err
	}()

	select {
	case uri := <-uris:
		s.pairing(ctx, uri)
	case err := <-result:
		if err != nil {
			fail(ctx, err)
			return
		}
		select {
		case uri := <-uris:
			s.pairing(ctx, uri)
		default:
			ok(ctx, gin.H{"status": s.facade.Status()})
		}
	case <-ctx.Request.Context().Done():
		fail(ctx, ctx.Request.Context().Err())
	}
}

func (s *Server) pairing(ctx *gin.Context, uri string) {
	png, err := walletconnect.QRCodePNG(uri, qrCodeSize)
	if err != nil {
		fail(ctx, err)
		return
	}
	ok(ctx, gin.H{
		"uri": uri,
		"qr":  base64.StdEncoding.EncodeToString(png),
	})
}

func (s *Server) allow(ctx *gin.Context, action string) bool {
	if s.limiter == nil {
		return true
	}
	key := "coursewallet:" + action + ":" + ctx.ClientIP()
	res, err := s.limiter.Allow(ctx.Request.Context(), key, redis_rate.PerMinute(s.rateLimit))
	if err != nil {
		log.Error(errors.WrapAndReport(err, "rate limit"))
		return true
	}
	if res.Allowed == 0 {
		ctx.Header("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)+1))
		ctx.JSON(http.StatusTooManyRequests, gin.H{
			"code": 4290,
			"msg":  "too many requests",
		})
		return false
	}
	return true
}

func (s *Server) disconnect(ctx *gin.Context) {
	if err := s.facade.Disconnect(ctx.Request.Context()); err != nil {
		// the session is cleared even when the wallet could not be told
		log.Warnf("disconnect wallet: %v", err)
	}
	ok(ctx, s.facade.Status())
}

type switchChainRequest struct {
	ChainID int64 `json:"chainId" binding:"required"`
}

func (s *Server) switchChain(ctx *gin.Context) {
	var req switchChainRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, err)
		return
	}
	if err := s.facade.SwitchChain(ctx.Request.Context(), req.ChainID); err != nil {
		fail(ctx, err)
		return
	}
	ok(ctx, s.facade.Status())
}

type signRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) sign(ctx *gin.Context) {
	var req signRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, err)
		return
	}
	account, _ := s.facade.ActiveAccount()
	sig, err := s.facade.SignMessage(ctx.Request.Context(), []byte(req.Message))
	if err != nil {
		fail(ctx, err)
		return
	}
	ok(ctx, gin.H{
		"account":   account,
		"signature": hexutil.Encode(sig),
	})
}

func (s *Server) courseSections(ctx *gin.Context) (string, []string, bool) {
	course := ctx.Param("course")
	sections, found := s.courses[course]
	if !found {
		ctx.JSON(http.StatusNotFound, gin.H{
			"code": 4041,
			"msg":  "unknown course " + course,
		})
	}
	return course, sections, found
}

func (s *Server) sections(ctx *gin.Context) {
	course, sections, found := s.courseSections(ctx)
	if !found {
		return
	}
	states, err := s.tracker.Sections(ctx.Request.Context(), course, sections)
	if err != nil {
		fail(ctx, err)
		return
	}
	ok(ctx, states)
}

func (s *Server) completeSection(ctx *gin.Context) {
	course, sections, found := s.courseSections(ctx)
	if !found {
		return
	}
	states, err := s.tracker.Complete(ctx.Request.Context(), course, sections, ctx.Param("section"))
	if err != nil {
		fail(ctx, err)
		return
	}
	ok(ctx, states)
}

func (s *Server) resetProgress(ctx *gin.Context) {
	if err := s.tracker.Reset(ctx.Request.Context()); err != nil {
		fail(ctx, err)
		return
	}
	ok(ctx, nil)
}

func (s *Server) courseAccess(ctx *gin.Context) {
	course := ctx.Param("course")
	client, err := s.facade.Client()
	if err != nil {
		fail(ctx, err)
		return
	}
	owned, err := chainclient.HasAccess(ctx.Request.Context(), client, course)
	if err != nil {
		fail(ctx, err)
		return
	}
	price, err := chainclient.CoursePrice(ctx.Request.Context(), client, course)
	if err != nil {
		fail(ctx, err)
		return
	}
	ok(ctx, gin.H{
		"course":    course,
		"hasAccess": owned,
		"price":     price.String(),
		"chainId":   client.Binding().ChainID,
	})
}

func (s *Server) purchaseCourse(ctx *gin.Context) {
	course := ctx.Param("course")
	client, err := s.facade.Client()
	if err != nil {
		fail(ctx, err)
		return
	}
	price, err := chainclient.CoursePrice(ctx.Request.Context(), client, course)
	if err != nil {
		fail(ctx, err)
		return
	}
	hash, err := chainclient.PurchaseCourse(ctx.Request.Context(), client, course, price)
	if err != nil {
		fail(ctx, err)
		return
	}
	log.WithFields(log.Fields{
		"course": course,
		"tx":     hash.Hex(),
	}).Infof("course purchase sent")
	ok(ctx, gin.H{"txHash": hash.Hex()})
}
