// Package sdk reports call metrics and GC activity of an instance to a
// tinyapm collector.
//
// Events are buffered and posted in batches of at most 1000. When the
// collector pushes back with 429 the unaccepted part of a batch stays
// buffered and is resent after the Retry-After delay.
//
//	client, err := sdk.New(sdk.ClientConfig{
//		ApplicationID: 1,
//		InstanceID:    7,
//		Endpoint:      "http://localhost:8080",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	client.Start(ctx)
//	defer client.Stop()
//
//	client.RecordCall(sdk.Call{Domain: model.InstanceDomain, Source: model.Caller, Duration: 42 * time.Millisecond})
//
// The httpx subpackage records inbound HTTP requests and the runtime
// subpackage reports Go garbage collections.
package sdk
