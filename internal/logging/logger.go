package logging

import (
	"log"
	"os"
)

var (
	Cache    = log.New(os.Stdout, "[cache] ", log.LstdFlags)
	Unsplash = log.New(os.Stdout, "[unsplash] ", log.LstdFlags)
	Storage  = log.New(os.Stdout, "[storage] ", log.LstdFlags)
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
)
