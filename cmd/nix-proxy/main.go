// Command nix-proxy serves the worker protocol either directly, against a
// local reference store, or as a transparent proxy in front of a real
// nix-daemon.
package main

import (
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/alecthomas/kong"

	"github.com/nixcask/nix-daemon-proxy/pkg/daemon"
	"github.com/nixcask/nix-daemon-proxy/pkg/daemon/refstore"
)

var cli struct { //nolint:gochecknoglobals
	Listen        string `default:"" help:"Address to accept downstream clients on (unix:<path> or tcp:<addr>). Defaults under XDG_RUNTIME_DIR."`
	Upstream      string `default:"" help:"Upstream to proxy to (unix:<path> or exec:<path-to-nix-daemon>). If unset, serves a local reference store instead."`
	DaemonVersion string `default:"nix-proxy 0.1.0" help:"Identifier string advertised to downstream clients during the handshake, in both serving and proxy mode; an upstream's own identifier is not passed on."`
	StoreDB       string `default:"" help:"Path to the reference store's SQLite database. Defaults under XDG_STATE_HOME. Ignored when --upstream is set."`
	LogLevel      string `default:"info" enum:"debug,info,error" help:"Log verbosity for cmd/nix-proxy's own diagnostics."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("nix-proxy"),
		kong.Description("Serves or proxies the Nix daemon worker protocol."))

	setLogLevel(cli.LogLevel)

	listenAddr := resolveListen(cli.Listen)

	ln, err := listen(listenAddr)
	if err != nil {
		log.Fatalf("nix-proxy: listening on %s: %v", listenAddr, err)
	}
	defer ln.Close()

	logAt(levelInfo, "nix-proxy: listening on %s", listenAddr)

	var store *refstore.Store

	if cli.Upstream == "" {
		dbPath, err := resolveStoreDB(cli.StoreDB)
		if err != nil {
			log.Fatalf("nix-proxy: resolving --store-db: %v", err)
		}

		store, err = refstore.Open(dbPath)
		if err != nil {
			log.Fatalf("nix-proxy: opening store %s: %v", dbPath, err)
		}
		defer store.Close()

		logAt(levelInfo, "nix-proxy: serving reference store at %s", dbPath)
	} else {
		logAt(levelInfo, "nix-proxy: proxying to %s", cli.Upstream)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			logAt(levelError, "nix-proxy: accept: %v", err)

			continue
		}

		logAt(levelDebug, "nix-proxy: accepted connection from %s", conn.RemoteAddr())

		go serve(conn, store)
	}
}

// serve handles one accepted downstream connection, either directly
// against store or by proxying to cli.Upstream, logging its terminal
// error (if any) and nothing more: every client-visible failure already
// travels back over the wire protocol itself.
func serve(conn net.Conn, store *refstore.Store) {
	defer conn.Close()

	if store != nil {
		c, err := daemon.NewConn(conn, store, cli.DaemonVersion)
		if err != nil {
			logAt(levelError, "nix-proxy: handshake: %v", err)

			return
		}

		if err := c.Serve(); err != nil {
			logAt(levelError, "nix-proxy: connection: %v", err)
		}

		return
	}

	up, err := dialUpstream(cli.Upstream)
	if err != nil {
		logAt(levelError, "nix-proxy: dialing upstream: %v", err)

		return
	}
	defer up.Close()

	p, err := daemon.NewProxy(conn, up, cli.DaemonVersion)
	if err != nil {
		logAt(levelError, "nix-proxy: proxy handshake: %v", err)

		return
	}

	if err := p.Run(); err != nil {
		logAt(levelError, "nix-proxy: proxy: %v", err)
	}
}

// levelDebug, levelInfo and levelError are the three verbosities
// --log-level accepts, ordered so a lower number is more verbose.
const (
	levelDebug = iota
	levelInfo
	levelError
)

var logLevelNames = map[string]int{"debug": levelDebug, "info": levelInfo, "error": levelError} //nolint:gochecknoglobals

var currentLogLevel = levelInfo //nolint:gochecknoglobals

// setLogLevel applies --log-level, silently keeping the default if given
// an unrecognized value: kong's enum tag already rejects those at parse
// time, so this only runs on a value it already validated.
func setLogLevel(level string) {
	if l, ok := logLevelNames[level]; ok {
		currentLogLevel = l
	}
}

// logAt logs format/args through the standard logger unless level is
// below the verbosity --log-level selected.
func logAt(level int, format string, args ...any) {
	if level < currentLogLevel {
		return
	}

	log.Printf(format, args...)
}

// resolveListen applies the --listen default: a unix socket under
// XDG_RUNTIME_DIR, the same directory convention systemd-style services
// use for ephemeral sockets.
func resolveListen(addr string) string {
	if addr != "" {
		return addr
	}

	return "unix:" + filepath.Join(xdg.RuntimeDir, "nix-proxy.socket")
}

// resolveStoreDB applies the --store-db default: a SQLite file under
// XDG_STATE_HOME, where a service's own durable-but-not-config state
// belongs.
func resolveStoreDB(path string) (string, error) {
	if path != "" {
		return path, nil
	}

	dir := filepath.Join(xdg.StateHome, "nix-proxy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	return filepath.Join(dir, "store.db"), nil
}
