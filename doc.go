// Package comfyd exposes the Go API behind the comfyd gateway: an MCP server
// that fronts a single ComfyUI workflow as one image-generation tool. Clients
// open a server-sent-events push channel, post calls on a session-addressed
// side channel, and receive queue and sampling progress as MCP progress
// notifications while the engine works.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a gateway
//
// The gateway needs a ComfyUI endpoint, a workflow template in API format,
// and the node/input addresses to bind the prompt, the seed, and the output
// image slot:
//
//	srv, err := comfyd.NewServer(comfyd.NewServerRequest{
//	    Config: comfyd.Config{
//	        Listen:       ":8744",
//	        EngineURL:    "http://127.0.0.1:8188",
//	        WorkflowPath: "/etc/comfyd/workflow.json",
//	        PromptNode:   "6",
//	        SeedNode:     "3",
//	        OutputNode:   "9",
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Run blocks until ctx is cancelled, drains live push sessions, and shuts the
// listener down gracefully.
//
// # Artifact re-hosting
//
// By default the returned URL points at the engine's own /view endpoint,
// which only works while the engine keeps the file and is reachable by the
// caller. Setting Config.RehostStoreURL copies each artifact into object
// storage (s3://, aws://, azure://, mem://) and returns the durable URL
// instead; any upload failure falls back to the engine URL.
package comfyd
