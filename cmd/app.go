package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database/mariadb"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/detector"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/inference"
)

// stores holds the databases a command connected to. Either pool may be nil.
type stores struct {
	pg    *postgres.Pool
	maria *mariadb.Pool

	galleryRepo    *postgres.GalleryRepository
	attendanceRepo *postgres.AttendanceRepository
}

// openStores connects to every configured database. An unreachable database
// is logged and skipped so the gallery can still come from the fallback file.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) *stores {
	s := &stores{}
	if cfg.Database.URL != "" {
		pool, err := postgres.Open(ctx, &cfg.Database, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable", "error", err)
		} else {
			s.pg = pool
			s.galleryRepo = postgres.NewGalleryRepository(pool)
			s.attendanceRepo = postgres.NewAttendanceRepository(pool)
		}
	}
	if cfg.Database.MariaDBDSN != "" {
		pool, err := mariadb.NewPool(ctx, cfg.Database.MariaDBDSN)
		if err != nil {
			logger.Warn("MariaDB unavailable", "error", err)
		} else {
			s.maria = pool
		}
	}
	return s
}

// requirePostgres opens PostgreSQL or fails; for commands that write to it.
func requirePostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}
	pool, err := postgres.Open(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	return &stores{
		pg:             pool,
		galleryRepo:    postgres.NewGalleryRepository(pool),
		attendanceRepo: postgres.NewAttendanceRepository(pool),
	}, nil
}

// gallerySources lists the gallery sources in priority order: PostgreSQL,
// MariaDB, then the fallback file.
func (s *stores) gallerySources(cfg *config.Config) []gallery.Source {
	var sources []gallery.Source
	if s.galleryRepo != nil {
		sources = append(sources, s.galleryRepo)
	}
	if s.maria != nil {
		sources = append(sources, mariadb.NewGallerySource(s.maria))
	}
	if cfg.Gallery.FallbackPath != "" {
		sources = append(sources, gallery.NewFileSource(cfg.Gallery.FallbackPath))
	}
	return sources
}

func (s *stores) Close() {
	if s.pg != nil {
		_ = s.pg.Close()
	}
	if s.maria != nil {
		_ = s.maria.Close()
	}
}

// newInference builds the detector and embedder clients of the inference service.
func newInference(cfg *config.Config, logger *slog.Logger) (detector.Detector, embedder.Embedder) {
	det := detector.NewHTTP(inference.NewClient(cfg.Inference.DetectorURL), logger)
	emb := embedder.NewHTTP(inference.NewClient(cfg.Inference.EmbedderURL), cfg.Recognition.CropSize)
	return det, emb
}

// outputJSON outputs data as formatted JSON
func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
