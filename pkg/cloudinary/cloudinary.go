package cloudinary

import (
	"fmt"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Service resolves stored attachment and avatar references into delivery
// URLs. The realtime layer stores references only; bytes never pass through.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary service instance.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Service{
		client: cld,
		folder: strings.Trim(cfg.Folder, "/"),
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// ResolveURL turns a stored reference into a retrievable URL. References that
// already carry a scheme pass through unchanged.
func (s *Service) ResolveURL(ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}

	publicID := ref
	if s.folder != "" && !strings.Contains(ref, "/") {
		publicID = path.Join(s.folder, ref)
	}

	asset, err := s.client.Image(publicID)
	if err != nil {
		s.logger.Warn().Err(err).Str("ref", ref).Msg("failed to build asset reference")
		return ""
	}

	url, err := asset.String()
	if err != nil {
		s.logger.Warn().Err(err).Str("ref", ref).Msg("failed to resolve asset url")
		return ""
	}

	return url
}
