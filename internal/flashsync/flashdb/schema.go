package flashdb

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the authoritative definition of the flashes table.
const Schema = `
CREATE TABLE IF NOT EXISTS flashes (
	flash_id    bigint PRIMARY KEY,
	city        varchar(100) NOT NULL,
	player      varchar(100) NOT NULL,
	img         varchar(500) NOT NULL,
	ipfs_cid    varchar(255),
	text        varchar(1000),
	timestamp   timestamptz NOT NULL,
	flash_count varchar(50)
);
CREATE INDEX IF NOT EXISTS idx_flashes_timestamp ON flashes (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_flashes_player_lower ON flashes (LOWER(player));
`

// EnsureSchema creates the flashes table and its indexes if they do not
// already exist.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, Schema)
	return err
}
