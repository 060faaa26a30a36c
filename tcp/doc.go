// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp layers buffered stream connections and an accepting listener
// on top of the event loop. Connections own a connect/accept state machine,
// an idle-timeout supervisor and a user-supplied message-framing callback;
// the listener accepts descriptors and routes each new connection to a loop
// chosen by an optional selector, enabling cross-loop fan-out.
//
// The runtime never interprets payload bytes; framing is the caller's
// responsibility through the MessageCallback contract.
package tcp
