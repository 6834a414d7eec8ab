// Package cache remembers accessories between runs so that a client can reconnect to a device
// without scanning for it first.
//
// Each remembered device gets a stable handle key that does not change when the device is seen
// again, so scripts can refer to a device by key rather than by its platform-specific identifier
// (a MAC address on Linux, a random UUID on macOS).
//
// A [Registry] exported with [Registry.Export] or [Registry.ExportToFile] contains nothing secret,
// but vehicle VINs may be considered personal data.
package cache
