// Package mqtt publishes Home Assistant MQTT discovery messages,
// periodic host sensor states, and an availability topic so the host
// appears as a native HA device. A small command topic accepts
// operator commands (currently "reload") published by HA automations
// or any other broker client.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity, a birth message ("online") to the availability
// topic, and re-subscribes to the command topic. A will message
// ensures the availability topic transitions to "offline" on
// unexpected disconnects.
//
// Sensor states are live host figures: client counts by state, the
// capability total, daily invocation counters, uptime, and version.
// The daily counters are fed from the event bus so the publisher
// never touches the invocation hot path.
package mqtt
