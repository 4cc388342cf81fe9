// Package sandbox is a client for VaultSandbox, a server of disposable
// inboxes for testing email flows.
//
// A [Client] creates inboxes and receives new emails over server-sent
// events or polling. Encrypted inboxes use ML-KEM-768 for key
// encapsulation and ML-DSA-65 signatures; every payload is verified
// against the server key pinned when the inbox was created before it is
// decrypted.
//
//	client, err := sandbox.New(apiKey, sandbox.WithBaseURL(url))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	inbox, err := client.CreateInbox(ctx, sandbox.WithTTL(10*time.Minute))
//	if err != nil {
//	    return err
//	}
//	email, err := inbox.WaitForEmail(ctx,
//	    sandbox.WithSubjectRegex(regexp.MustCompile(`(?i)reset`)),
//	    sandbox.WithWaitTimeout(30*time.Second))
//	if errors.Is(err, sandbox.ErrWaitTimeout) {
//	    // nothing arrived
//	}
//
// Errors from the API match the package sentinels with errors.Is.
package sandbox
