/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	gh "github.com/gorilla/handlers"
	jcr "github.com/tinode/jsonco"
	"github.com/tinode/livesync/server/auth"
	_ "github.com/tinode/livesync/server/auth/jwt"
	_ "github.com/tinode/livesync/server/auth/token"
	"github.com/tinode/livesync/server/bus"
	_ "github.com/tinode/livesync/server/db/memory"
	"github.com/tinode/livesync/server/logs"
	"github.com/tinode/livesync/server/store"
)

const (
	// currentVersion is the current API/protocol version
	currentVersion = "0.3"

	// Terminate session after this timeout.
	defaultIdleSessionTimeout = 55 * time.Second

	// Maximum allowed size of an incoming message, bytes.
	defaultMaxMessageSize = 1 << 19

	// Drop the session if the outbound queue is longer than this.
	defaultSendQueueLimit = 128

	defaultListenAddr = ":6070"
	defaultWsPath     = "/v0/channels"
)

// Build timestamp set by the compiler
var buildstamp = ""

var globals struct {
	hub          *Hub
	sessionStore *SessionStore

	// Authenticator of incoming connections; nil if only anonymous connections are accepted.
	authenticator auth.Authenticator
	authScheme    string

	// Name of this node among the nodes sharing the bus.
	nodeName string

	maxMessageSize     int64
	sendQueueLimit     int
	idleSessionTimeout time.Duration

	// Take IP address of the client from HTTP header 'X-Forwarded-For'.
	useXForwardedFor bool

	// Add Strict-Transport-Security to headers, the value signifies age.
	// Empty string "" turns it off
	tlsStrictMaxAge string
}

type configType struct {
	// HTTP(S) address:port to listen on for websocket clients.
	Listen string `json:"listen"`
	// URL path of the websocket endpoint.
	WsPath string `json:"ws_path"`
	// URL path for exposing metrics. Empty or "-" disables metrics.
	MetricsPath string `json:"metrics_path"`
	// URL path of the status page. Empty or "-" disables it.
	StatusPath string `json:"status_path"`
	// URL path for runtime profiles. Empty or "-" disables it.
	PprofPath string `json:"pprof_path"`
	// Maximum message size allowed from the client in bytes.
	MaxMessageSize int `json:"max_message_size"`
	// Maximum length of the outbound queue of a session.
	SendQueueLimit int `json:"send_queue_limit"`
	// Seconds of silence after which the session is dropped.
	IdleSessionTimeout int `json:"idle_session_timeout"`
	// Take IP address of the client from HTTP header 'X-Forwarded-For'.
	UseXForwardedFor bool `json:"use_x_forwarded_for"`
	// Name of this node. Must be unique among the nodes sharing the bus.
	NodeName string `json:"node_name"`
	// Snowflake worker ID, 0..1023. Must be unique among the nodes sharing the database.
	WorkerID int `json:"worker_id"`

	TLS         json.RawMessage            `json:"tls"`
	StoreConfig json.RawMessage            `json:"store_config"`
	AuthConfig  map[string]json.RawMessage `json:"auth_config"`
	BusConfig   json.RawMessage            `json:"bus_config"`
	Services    map[string]json.RawMessage `json:"services"`
}

func main() {
	executable, _ := os.Executable()

	logFlags := flag.String("log_flags", "stdFlags",
		"Comma-separated list of log flags (as defined in https://golang.org/pkg/log/#pkg-constants without the L prefix, plus 'json')")
	configfile := flag.String("config", "livesync.conf", "Path to config file.")
	listenOn := flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	nodeName := flag.String("node", "", "Override the name of this node.")
	flag.Parse()

	logs.Init(os.Stderr, *logFlags)

	logs.Info.Printf("Server v%s:%s:%s; pid %d; %d process(es)",
		currentVersion, executable, buildstamp, os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	logs.Info.Printf("Using config from '%s'", *configfile)

	config, err := loadConfig(*configfile)
	if err != nil {
		logs.Err.Fatal(err)
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if *nodeName != "" {
		config.NodeName = *nodeName
	}
	applyDefaults(config)

	globals.nodeName = config.NodeName
	globals.maxMessageSize = int64(config.MaxMessageSize)
	globals.sendQueueLimit = config.SendQueueLimit
	globals.idleSessionTimeout = time.Duration(config.IdleSessionTimeout) * time.Second
	globals.useXForwardedFor = config.UseXForwardedFor

	if err = store.Store.Open(config.WorkerID, config.StoreConfig); err != nil {
		logs.Err.Fatal("Failed to open DB: ", err)
	}
	defer func() {
		store.Store.Close()
		logs.Info.Println("Closed database connection(s)")
	}()
	logs.Info.Println("DB adapter", store.Store.GetAdapterName())

	if err = initAuth(config.AuthConfig); err != nil {
		logs.Err.Fatal(err)
	}

	groups, err := bus.New(config.BusConfig, config.NodeName)
	if err != nil {
		logs.Err.Fatal("Failed to initialize bus: ", err)
	}

	globals.sessionStore = NewSessionStore()
	globals.hub = newHub(groups)

	if err = initServices(globals.hub, config.Services); err != nil {
		logs.Err.Fatal(err)
	}
	globals.hub.run()

	mux := http.NewServeMux()
	// Websocket endpoint is not wrapped into the compressing handler.
	mux.HandleFunc(config.WsPath, serveWebSocket)
	statsInit(mux, config.MetricsPath)
	servePprof(mux, config.PprofPath)
	if config.StatusPath != "" && config.StatusPath != "-" {
		mux.Handle(config.StatusPath, gh.CompressHandler(http.HandlerFunc(serveStatus)))
	}
	mux.HandleFunc("/", serve404)

	if err = listenAndServe(config.Listen, gh.CombinedLoggingHandler(logs.Info.Writer(), mux),
		config.TLS, signalHandler()); err != nil {
		logs.Err.Fatal(err)
	}
	logs.Info.Println("All done, good bye")
}

// loadConfig reads the config file which may contain comments.
func loadConfig(path string) (*configType, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.New("failed to read config file: " + err.Error())
	}
	defer file.Close()

	var config configType
	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Printf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
				jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Printf("Syntax error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		}
		return nil, errors.New("failed to parse config file: " + err.Error())
	}
	return &config, nil
}

func applyDefaults(config *configType) {
	if config.Listen == "" {
		config.Listen = defaultListenAddr
	}
	if config.WsPath == "" {
		config.WsPath = defaultWsPath
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if config.SendQueueLimit <= 0 {
		config.SendQueueLimit = defaultSendQueueLimit
	}
	if config.IdleSessionTimeout <= 0 {
		config.IdleSessionTimeout = int(defaultIdleSessionTimeout / time.Second)
	}
	if config.NodeName == "" {
		config.NodeName, _ = os.Hostname()
	}
}

// initAuth initializes the authenticator named by "scheme" with its own section of the config:
// {"scheme": "token", "token": {...}}. No scheme means anonymous connections only.
func initAuth(config map[string]json.RawMessage) error {
	var scheme string
	if raw, ok := config["scheme"]; ok {
		if err := json.Unmarshal(raw, &scheme); err != nil {
			return errors.New("auth: invalid scheme: " + err.Error())
		}
	}
	scheme = strings.TrimSpace(scheme)
	if scheme == "" || scheme == "none" {
		logs.Warn.Println("auth: no authentication scheme, only anonymous connections are accepted")
		return nil
	}

	authenticator := auth.Get(scheme)
	if authenticator == nil {
		return errors.New("auth: unknown scheme '" + scheme + "', available: " + strings.Join(auth.Names(), ", "))
	}
	if err := authenticator.Init(config[scheme], scheme); err != nil {
		return err
	}
	globals.authenticator = authenticator
	globals.authScheme = scheme
	logs.Info.Println("auth: using scheme", scheme)
	return nil
}
