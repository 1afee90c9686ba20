package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/wavecatch/pkg/media"
	"github.com/zachfi/wavecatch/pkg/shoutcast"
)

var ErrNoURL = errors.New("station has no url")

// Station is what the directory hands us: a name and a URL that may still be
// a playlist.
type Station struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Resolver turns a station into a playable stream URL. It may block on the
// network and is never called from the reactor.
type Resolver interface {
	Resolve(ctx context.Context, st Station) (string, error)
}

// PlaylistResolver follows pls and m3u playlists to the stream they name.
type PlaylistResolver struct {
	logger *slog.Logger
	tracer trace.Tracer
}

func NewPlaylistResolver(logger *slog.Logger) *PlaylistResolver {
	return &PlaylistResolver{
		logger: logger,
		tracer: otel.Tracer(module),
	}
}

// endSpan records the outcome of an operation on span and ends it.
func endSpan(span trace.Span, err error, message string, l *slog.Logger) error {
	defer span.End()

	if err != nil {
		l.Error(message, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Errorf("%s: %w", message, err).Error())
		return err
	}
	span.SetStatus(codes.Ok, "ok")
	return nil
}

func (r *PlaylistResolver) Resolve(ctx context.Context, st Station) (url string, err error) {
	ctx, span := r.tracer.Start(ctx, "PlaylistResolver.Resolve", trace.WithAttributes(
		attribute.String("station.name", st.Name),
		attribute.String("station.url", st.URL),
	))
	defer func() { _ = endSpan(span, err, "failed to resolve station", r.logger) }()

	if st.URL == "" {
		return "", ErrNoURL
	}

	url, err = shoutcast.ResolvePlaylistURL(ctx, st.URL)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("stream.url", url))
	return url, nil
}

type sourceResolvedMessage struct {
	media.Envelope
	session uint64
	url     string
}

type resolveFailedMessage struct {
	media.Envelope
	session uint64
	err     error
}
