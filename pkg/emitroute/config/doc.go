/*
Package config loads client configuration from YAML or JSON files.

# Overview

A Config describes everything a Client needs before it touches the network:
the broker address, credentials, the default channel key, request timeouts,
the topic match policy, the failure journal, and logging.

	cfg, err := config.FromFile("emitroute.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
	    log.Fatal(err)
	}
	logger := cfg.Logger()

Fields missing from the file keep the values of Default().

# Durations

Duration fields accept either a string parsed with time.ParseDuration
("5s", "1m30s") or a number interpreted as seconds:

	request_timeout: 5s
	connect_timeout: 10

# Match Policy

match_policy selects how a shallow subscription relates to deeper topics:
  - exact: a pattern matches only topics of its own depth unless it ends in "#"
  - prefix: every pattern also matches all deeper topics
*/
package config
