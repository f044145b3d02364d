package storage

import (
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydora/kv/config"
	"github.com/pingcap/errors"
)

// Open creates the engine selected by conf.
func Open(conf *config.Config) (Engine, error) {
	var (
		engine Engine
		err    error
	)
	switch conf.Engine {
	case config.EngineMemory:
		engine = NewMemEngine()
	case config.EngineBadger:
		engine, err = NewBadgerEngine(conf.DBPath, true)
	case config.EngineBolt:
		engine, err = NewBoltEngine(conf.DBPath, true)
	default:
		return nil, errors.Errorf("unknown engine %q", conf.Engine)
	}
	if err != nil {
		return nil, err
	}
	log.Infof("opened %s storage engine at %q", conf.Engine, conf.DBPath)
	return engine, nil
}
