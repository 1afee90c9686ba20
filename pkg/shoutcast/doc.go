// Package shoutcast provides ICY/Shoutcast stream reading with metadata stripping and playlist resolution.
//
// It started as a fork of github.com/romantomjak/shoutcast and is the network
// source of the stream graph:
//   - Playlist resolution: .pls and .m3u URLs are resolved to the actual stream URL
//   - Metadata stripping: ICY metadata blocks are read and skipped so only audio bytes are returned
//   - Servers without icy-metaint are passed through untouched
//   - No client timeout on the stream so long-running playback is supported
package shoutcast
