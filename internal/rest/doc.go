// Package rest implements the request side of the chat protocol.
//
// The Client covers the four request surfaces the engine needs: paged
// history fetches, outbound message sends, edit and delete mutations, and
// conversation-level seen acknowledgements. HTTP outcomes are folded into
// the store's error taxonomy so callers branch on errors.Is against the
// sentinels instead of status codes: 401/403 become ErrUnauthorized, 404
// ErrNotFound, 409 ErrConflict, and transport or server failures
// ErrNetwork.
package rest
