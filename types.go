package kansoku

import (
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/lifecycle"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/pbx"
	"github.com/ashita-ai/kansoku/internal/service/ingest"
)

// Config is the full engine configuration. See LoadConfig.
type Config = config.Config

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) { return config.Load() }

// Envelope is a normalized inbound event.
type Envelope = model.Envelope

// IngestResult reports the idempotency key and whether the envelope was new.
type IngestResult = ingest.Result

// PBXClient reads the PBX's active calls, call history and call logs.
type PBXClient = pbx.Client

// PBX row types returned by a PBXClient.
type (
	CallIdentity  = pbx.Identity
	ActiveCall    = pbx.ActiveCall
	CallSegment   = pbx.CallSegment
	CallLogRecord = pbx.CallLogRecord
	Party         = lifecycle.Party
)

// Store backends accepted in Config.Store.
const (
	StorePostgres = config.StorePostgres
	StoreMemory   = config.StoreMemory
)
