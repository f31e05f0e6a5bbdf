package main

import (
	"fmt"
	"os"

	"github.com/Brownie44l1/lesion-api/internal/config"
)

func main() {
	cfg, err := config.Load(os.Args, os.Getenv)
	if err != nil {
		if cerr, ok := err.(*config.Error); ok {
			fmt.Print(cerr.Usage)
		} else {
			fmt.Printf("%v\n", err)
		}
		os.Exit(1)
	}

	s, err := NewServer(cfg)
	if err != nil {
		fmt.Printf("Failed to start: %v\n", err)
		os.Exit(1)
	}
	s.ListenForKillSignals()
	if err := s.ListenHTTP(); err != nil {
		s.Log.Errorf("%v", err)
		s.Log.Close()
		os.Exit(1)
	}
	<-s.closed
}
