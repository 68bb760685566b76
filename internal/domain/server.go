package domain

import "time"

// GameServer is one monitored game server from the config table.
type GameServer struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	LogDir        string `json:"log_dir" yaml:"log_dir"`
	BanFile       string `json:"ban_file" yaml:"ban_file"`
	WhitelistFile string `json:"whitelist_file" yaml:"whitelist_file"`
}

// TailStatus is the live collector state for one server.
type TailStatus struct {
	ServerID  string     `json:"server_id"`
	File      string     `json:"file,omitempty"` // base name of the file currently tailed
	Offset    int64      `json:"offset"`
	Lines     int64      `json:"lines"`
	Deaths    int64      `json:"deaths"`
	Skipped   int64      `json:"skipped"` // malformed or unparseable lines
	Rotations int64      `json:"rotations"`
	LastEvent *time.Time `json:"last_event,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// ServerStatus combines the configured server with its live tail state and
// current list sizes, as reported by the API.
type ServerStatus struct {
	Server         GameServer `json:"server"`
	Tail           TailStatus `json:"tail"`
	BanCount       int        `json:"ban_count"`
	WhitelistCount int        `json:"whitelist_count"`
}
