// Package bridge is the device engine between the ESP sensor fleet and the
// store.
//
// Sensors publish alerts, settings reports and heartbeats over MQTT. The
// engine routes each message by topic, ties it to a device, records an
// event and pushes notifications. In the other direction it runs the
// registration handshake and keeps each sensor's blocklist and whitelist in
// step with the account.
//
// # Registration
//
// A discovery broadcast ({"cmd":"DISCOVER"}, optionally with a nonce) opens
// an entry in the pending ledger; RequestRegistration opens one for a
// specific MAC and token. A reply that matches an entry registers the
// device, issues a six-digit session code and answers
// "Confirm-<code>-<token>" on the discovery topic. After that the device
// takes commands on "<control>-<code>".
//
// # Settings sync
//
// The last settings report of each device is cached. Blocklist additions
// are merged into that report and the whole report is sent back; if no
// report is cached yet, the device is asked for one ("showsetting-<token>")
// and the merge happens when it arrives.
//
// # Loops
//
// Three background loops run discovery, settings polling and pruning. Each
// has a public step (RunDiscoveryOnce, PollSettingsOnce, PruneOnce) so
// tests can drive them without waiting.
package bridge
