package config

import (
	"errors"
	"fmt"

	"github.com/andrej220/hexactl/pkg/config/configstore"
	"github.com/andrej220/hexactl/pkg/config/filestore"
	"github.com/andrej220/hexactl/pkg/config/mongostore"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")
)

// Config combines the store capabilities used by the registry loader.
type Config interface {
	configstore.ConfigStore
	configstore.Watcher
}

type FileConfig struct {
	Path string `yaml:"path" json:"path" mapstructure:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri" mapstructure:"uri"`
	DBName   string `yaml:"dbName" json:"dbName" mapstructure:"dbname"`
	CollName string `yaml:"collName" json:"collName" mapstructure:"collname"`
	ID       string `yaml:"id" json:"id" mapstructure:"id"` // Document ID
}

// ParseStoreType maps "file" and "mongo" to a StoreType.
func ParseStoreType(s string) (StoreType, error) {
	switch s {
	case "", "file":
		return FileStore, nil
	case "mongo":
		return MongoStore, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStoreType, s)
	}
}

func NewStore(storeType StoreType, cfg any) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}
