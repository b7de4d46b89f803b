package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"streamfeed/fanout"
	"streamfeed/feeds"
	"streamfeed/models"
	"streamfeed/storage"
	"streamfeed/tasks"
)

type ServerConfig struct {
	// Manager performs every write and resolves feed classes
	Manager *fanout.Manager

	// Activities looks up activities by id for removal
	Activities feeds.Activities

	// Name of the notification feed class, empty if there is none
	Notifications string

	// Broadcast notification counts to SSE clients
	Broadcaster *Broadcaster

	// Allowed CORS origins
	CORSOrigins string

	// Now stamps activities posted without a time
	Now func() time.Time
}

// Returns a fiber.App instance to be used as an HTTP server for the feeds
func Server(config *ServerConfig) *fiber.App {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Broadcaster == nil {
		config.Broadcaster = NewBroadcaster()
	}
	h := &handlers{config: config}

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		// start timer
		start := time.Now()

		// next routes
		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": time.Since(start),
		}).Debug("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: config.CORSOrigins,
		AllowHeaders: "Cache-Control, Content-Type",
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Post("/users/:user/activities", h.addActivity)
	app.Delete("/users/:user/activities/:id", h.removeActivity)
	app.Get("/users/:user/feed", h.userFeed)
	app.Get("/feeds/:class/:user", h.classFeed)
	app.Post("/users/:user/follows/:target", h.follow)
	app.Delete("/users/:user/follows/:target", h.unfollow)
	app.Get("/users/:user/notifications", h.notifications)
	app.Post("/users/:user/notifications/mark", h.markNotifications)

	app.Get("/notifications/sse", h.notificationStream)
	app.Delete("/notifications/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		config.Broadcaster.RemoveClient(key)
		return c.Status(200).SendString("OK")
	})

	return app
}

// errorHandler maps sentinel errors to status codes
func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		status = fiberErr.Code
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrSerialization):
		status = fiber.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, models.ErrActivityNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, storage.ErrNotSupported):
		status = fiber.StatusNotImplemented
	case errors.Is(err, storage.ErrLockTimeout), errors.Is(err, tasks.ErrPoolClosed):
		status = fiber.StatusServiceUnavailable
	}

	if status >= fiber.StatusInternalServerError {
		log.WithFields(log.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).WithError(err).Error("Request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (h *handlers) notificationStream(c *fiber.Ctx) error {
	owner, err := strconv.ParseInt(c.Query("user", ""), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid user")
	}
	bc := h.config.Broadcaster

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	// Unique client key
	key := uuid.New().String()
	counts := make(chan models.NotificationCount, 10) // Buffered channel
	aliveChan := time.NewTicker(5 * time.Second)

	// Register the client
	bc.AddClient(key, owner, counts)

	// Cleanup function
	cleanup := func() {
		log.Infof("Cleaning up SSE stream for client: %s", key)
		aliveChan.Stop()
		bc.RemoveClient(key)
	}

	// Use StreamWriter to manage SSE streaming
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cleanup()

		// Send initial event with client key
		fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
		if err := w.Flush(); err != nil {
			log.Errorf("Failed to send init event: %v", err)
			return
		}

		// Start streaming loop
		for {
			select {
			case <-aliveChan.C:
				// Send keep-alive pings
				if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
					log.Warnf("Failed to send ping to client %s: %v", key, err)
					return
				}
				if err := w.Flush(); err != nil {
					log.Warnf("Failed to flush ping for client %s: %v", key, err)
					return
				}

			case count, ok := <-counts:
				if !ok {
					log.Warnf("Count channel closed for client %s", key)
					return
				}
				jsonCount, err := json.Marshal(count)
				if err != nil {
					log.Errorf("Error marshalling count for client %s: %v", key, err)
					continue
				}
				if _, err := fmt.Fprintf(w, "event: notification-count\ndata: %s\n\n", jsonCount); err != nil {
					log.Warnf("Failed to send notification-count event to client %s: %v", key, err)
					return
				}
				if err := w.Flush(); err != nil {
					log.Warnf("Failed to flush notification-count event for client %s: %v", key, err)
					return
				}
			}
		}
	}))

	return nil
}
