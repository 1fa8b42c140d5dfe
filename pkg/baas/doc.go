// Package baas is a client for a hosted backend: REST objects with
// client-side pending operations and live queries pushed over a realtime
// socket.
//
// # Installation
//
//	go get github.com/gftdcojp/baas-go/pkg/baas
//
// # Basic Usage
//
//	client, _ := baas.New(baas.Config{
//		AppID:     "app-id",
//		AppKey:    "app-key",
//		ServerURL: "https://api.example.com",
//	})
//
//	// Objects accumulate operations locally until Save.
//	post := client.Object("Post", "5f0c...")
//	post.Increment("likes", 1)
//	post.AddUnique("tags", "go", "realtime")
//	err := post.Save(ctx) // {"likes":{"__op":"Increment","amount":1},"tags":{...}}
//
//	// Live queries stream changes to matching objects.
//	lq, _ := client.NewLiveQuery(ctx)
//	sub, _ := lq.Subscribe(ctx, baas.Query{ClassName: "Post"})
//	for n := range sub.Events() {
//		fmt.Println(n.Op, n.Object["objectId"])
//	}
//
// # Operations
//
// Successive operations on the same field are merged (two increments become
// one, AddUnique unions with a pending Add). Operations that cannot be merged
// fail with an error matching [op.ErrConflict] and leave the pending state
// untouched; Save or Revert first.
//
// # Live Queries
//
// The realtime endpoint is resolved through the router and cached in the
// configured [storage.Storage]. The socket reconnects on its own; every open
// sends a login frame for the client's installation id. When reconnects are
// exhausted all subscriptions are closed and report the error from Err.
package baas
