package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"flowsend/internal/provider"
	"flowsend/internal/template"
)

// TemplateByID loads a locally stored template definition. Components are
// stored as the same JSON shape the provider's metadata endpoint returns.
func (s *Store) TemplateByID(ctx context.Context, id int64) (*template.Definition, error) {
	var def template.Definition
	var components []byte
	err := s.Pool.QueryRow(ctx,
		`SELECT name, language, COALESCE(parameter_format, ''), components
		 FROM templates
		 WHERE id=$1`,
		id,
	).Scan(&def.Name, &def.Language, &def.ParamFormat, &components)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	if len(components) > 0 {
		if err := json.Unmarshal(components, &def.Components); err != nil {
			return nil, fmt.Errorf("decode template %d components: %w", id, err)
		}
	}
	return &def, nil
}

// ChannelCredentials returns the stored token for a channel, or nil when the
// channel has no stored credentials.
func (s *Store) ChannelCredentials(ctx context.Context, channelID string) (*provider.Credentials, error) {
	var creds provider.Credentials
	err := s.Pool.QueryRow(ctx,
		`SELECT channel_id, access_token FROM channels WHERE channel_id=$1`,
		channelID,
	).Scan(&creds.ChannelID, &creds.Token)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &creds, nil
}
