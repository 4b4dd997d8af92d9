package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/frankban/quicktest"
	"github.com/sirupsen/logrus"

	"cdc-loader/internal/config"
)

func TestNew_JSONFormat(t *testing.T) {
	c := quicktest.New(t)
	var buf bytes.Buffer

	logger, err := NewWithOutput(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	c.Assert(err, quicktest.IsNil)
	c.Assert(logger.GetLevel(), quicktest.Equals, logrus.DebugLevel)

	logger.WithField("key", "unprocessed/a__data.json").Info("staged")

	var entry map[string]interface{}
	c.Assert(json.Unmarshal(buf.Bytes(), &entry), quicktest.IsNil)
	c.Assert(entry["msg"], quicktest.Equals, "staged")
	c.Assert(entry["key"], quicktest.Equals, "unprocessed/a__data.json")
}

func TestNew_InvalidLevel(t *testing.T) {
	c := quicktest.New(t)
	_, err := NewWithOutput(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{})
	c.Assert(err, quicktest.ErrorMatches, "invalid log level: .*")
}

func TestNew_InvalidFormat(t *testing.T) {
	c := quicktest.New(t)
	_, err := NewWithOutput(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{})
	c.Assert(err, quicktest.ErrorMatches, "unsupported log format: xml")
}
