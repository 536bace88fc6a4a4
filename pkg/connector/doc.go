// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector manages many independent WhatsApp sessions, one per
// registered phone number, and relays their inbound messages to a collector.
//
// # Core Types
//
// [Connector] owns the session registry. All registry mutation happens under
// its mutex; transport I/O never does. It persists credentials through a
// credstore.Store, creates connections through a transport.Transport and
// hands normalized messages to a [Forwarder].
//
// [Session] is one connection attempt. It moves through [StateInitializing],
// [StateAwaitingBootstrap] and [StateConnected]. A dropped connection is never
// revived: the Connector puts a successor Session in its place in
// [StateReconnecting] and connects it after an exponential backoff. Once the
// attempt budget is spent the successor sits in [StateCircuitOpen] until the
// reconcile job lets one more attempt through. A logout is terminal and
// deletes the credentials.
//
// Events from a Session that has been replaced or removed are ignored, so a
// late close can never resurrect an unregistered phone number.
//
// # HTTP API
//
// [NewRouter] exposes registration, bootstrap code retrieval, listing,
// sending and health over echo, plus Prometheus metrics.
package connector
