// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"

	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/routing"
	"github.com/ilp4/ilpd/pkg/storage"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Node       nodeConf
	Logging    logConf
	Admin      adminConf
	Settlement settlementConf
	Peer       []peerConf
	Route      []routeConf
}

// nodeConf describes the Node-configuration block.
type nodeConf struct {
	Address    string
	AssetCode  string `toml:"asset-code"`
	AssetScale uint8  `toml:"asset-scale"`
	Store      string

	// Listen is the websocket endpoint inbound peers connect to.
	Listen string

	SpreadBps uint64 `toml:"spread-bps"`
	HopMargin string `toml:"hop-margin"`

	// RateLimit is the per-peer packet budget in packets per second;
	// zero disables the limiter.
	RateLimit float64 `toml:"rate-limit"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// adminConf describes the read-only admin endpoint.
type adminConf struct {
	Listen string
}

// settlementConf names the settlement engine's base URL.
type settlementConf struct {
	Engine string
}

// peerConf describes one Peer-configuration block.
type peerConf struct {
	Id         string
	Address    string
	Relation   string
	AssetCode  string `toml:"asset-code"`
	AssetScale uint8  `toml:"asset-scale"`
	Token      string

	// Endpoint to dial; empty for peers that connect to us instead.
	Endpoint string
}

// routeConf describes one static Route-configuration block.
type routeConf struct {
	Prefix string
	Peer   string
}

func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// accountItem validates one peer block and builds its persisted form.
func accountItem(conf peerConf) (item storage.AccountItem, err error) {
	if conf.Id == "" {
		err = fmt.Errorf("peer.id is empty")
		return
	}
	if _, err = ilp.ParseAddress(conf.Address); err != nil {
		err = fmt.Errorf("peer %q: %w", conf.Id, err)
		return
	}
	if _, err = routing.ParseRelation(conf.Relation); err != nil {
		err = fmt.Errorf("peer %q: %w", conf.Id, err)
		return
	}

	item = storage.AccountItem{
		Id:         conf.Id,
		Address:    conf.Address,
		AssetCode:  conf.AssetCode,
		AssetScale: conf.AssetScale,
		Relation:   conf.Relation,
		Auth:       conf.Token,
		Endpoint:   conf.Endpoint,
	}
	return
}

// parseDaemon creates the running daemon based on the given TOML
// configuration.
func parseDaemon(filename string) (d *daemon, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	setupLogging(conf.Logging)

	if conf.Node.Store == "" {
		err = fmt.Errorf("node.store is empty")
		return
	}

	return newDaemon(conf)
}
