package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"envault/internal/server"
)

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	dataDir := flag.String("data", "./data", "file store directory (used when --mongo is empty)")
	mongoURI := flag.String("mongo", "", "MongoDB URI (optional)")
	mongoDB := flag.String("db", "envault", "Mongo database name")
	coll := flag.String("coll", "entities", "Mongo collection name")
	issuer := flag.String("issuer", "envaultd", "JWT issuer")
	tokenTTL := flag.Duration("token-ttl", 15*time.Minute, "JWT lifetime")
	flag.Parse()

	ctx := context.Background()
	srv, err := server.New(ctx, server.Config{
		Addr:               *addr,
		DataDir:            *dataDir,
		MongoURI:           *mongoURI,
		MongoDB:            *mongoDB,
		EntitiesCollection: *coll,
		JWTIssuer:          *issuer,
		TokenTTL:           *tokenTTL,
	})
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("envaultd listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, srv.Handler()))
}
