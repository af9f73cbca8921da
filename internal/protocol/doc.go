// Package protocol defines the wire messages of the audio streaming session
// protocol and the codec that moves them on and off the connection.
//
// Every text frame is one JSON object whose "type" field selects the variant.
// Audio can also travel as a compact binary frame (see EncodeBinaryAudio).
package protocol
