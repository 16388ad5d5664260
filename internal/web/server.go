// Package web exposes the HTTP API the UI talks to: searching, message
// and thread listings, flag updates and raw message access.
package web

import (
	"context"
	"log/slog"

	"github.com/emersion/go-imap/v2"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"

	"mailur.link/mailur/internal/localstore"
	"mailur.link/mailur/internal/settings"
)

// Mail is the slice of the local store the handlers use. *localstore.Client
// implements it.
type Mail interface {
	CheckLogin(ctx context.Context, user, pass string) error
	SearchUIDs(ctx context.Context, mailbox string, criteria *imap.SearchCriteria) ([]uint32, error)
	FetchMessages(ctx context.Context, mailbox string, uids []uint32) ([]localstore.Message, error)
	FetchRaw(ctx context.Context, mailbox string, uid uint32) ([]byte, error)
	StoreFlags(ctx context.Context, mailbox string, uids []uint32, op localstore.StoreOp, flags []string) error
	PairParsedUIDs(ctx context.Context, parsed []uint32) ([]uint32, error)
}

// Server holds the handler dependencies.
type Server struct {
	Mail     Mail
	Settings *settings.Store
	Log      *slog.Logger
}

// App builds the fiber application with all routes registered.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(otelfiber.Middleware())

	app.Post("/login", s.login)
	app.Get("/tags", s.tags)
	app.Post("/tag", s.tag)
	app.Get("/search", s.search)
	app.Post("/search", s.search)
	app.Post("/msgs/info", s.msgsInfo)
	app.Post("/thrs/info", s.thrsInfo)
	app.Post("/msgs/body", s.msgsBody)
	app.Post("/msgs/flag", s.msgsFlag)
	app.Get("/raw/:uid", s.raw)
	return app
}

func (s *Server) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	s.log().Error("request failed", "path", c.Path(), "err", err)
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
