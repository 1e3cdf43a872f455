package tern

import (
	"context"
	"log/slog"
)

// nopLogger is the fallback logger used when no WithLogger option is given.
// It discards all records without allocating.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NopLogger returns a logger that discards everything. Subpackages use it
// as their default when the caller does not supply one.
func NopLogger() *slog.Logger { return nopLogger }
