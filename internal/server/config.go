package server

import "time"

type Config struct {
	Addr               string
	DataDir            string // file store root when MongoURI is empty
	MongoURI           string
	MongoDB            string
	EntitiesCollection string
	JWTIssuer          string
	TokenTTL           time.Duration
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8787"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MongoDB == "" {
		c.MongoDB = "envault"
	}
	if c.EntitiesCollection == "" {
		c.EntitiesCollection = "entities"
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = "envaultd"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 15 * time.Minute
	}
}
