// sessioncore - a conversation session engine with a minimal terminal front end.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jeranaias/sessioncore/internal/config"
	"github.com/jeranaias/sessioncore/internal/model"
	"github.com/jeranaias/sessioncore/internal/session"
	"github.com/jeranaias/sessioncore/internal/storage"
	"github.com/jeranaias/sessioncore/internal/transport"
	"github.com/jeranaias/sessioncore/internal/validate"
)

// Version information (set at build time)
var (
	Version   = "2.0.0"
	GitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sessioncore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	validator := validate.New(validate.Limits{
		MaxLength:          cfg.Validation.MaxLength,
		WarnRatio:          cfg.Validation.WarnRatio,
		CriticalRatio:      cfg.Validation.CriticalRatio,
		MaxWhitespaceRatio: cfg.Validation.MaxWhitespaceRatio,
		MaxLineLength:      cfg.Validation.MaxLineLength,
	})

	var store *storage.SessionStore
	if cfg.Store.BaseDir != "" {
		store, err = storage.NewSessionStoreWithDir(cfg.Store.BaseDir, validator)
	} else {
		store, err = storage.NewSessionStore(validator)
	}
	if err != nil {
		return err
	}
	store.MaxRecordBytes = cfg.Store.MaxRecordBytes
	store.KeepRecent = cfg.Store.KeepRecent

	client := transport.NewClient(cfg.Transport.Endpoint).
		WithTimeout(time.Duration(cfg.Transport.TimeoutMs) * time.Millisecond).
		WithMaxAttempts(cfg.Transport.MaxAttempts).
		WithJitter(cfg.Transport.Jitter)

	done := make(chan struct{}, 1)
	events := session.Events{
		OnMessageAdded: func(msg model.Message) {
			switch msg.Role {
			case model.RoleUser:
				// The prompt already echoed the input.
			case model.RoleAssistant:
				fmt.Printf("\nassistant> %s\n", msg.Content)
			default:
				fmt.Printf("\n[%s] %s\n", msg.Role, msg.Content)
			}
		},
		OnMessageFailed: func(rec model.ErrorRecord, retained string) {
			if rec.Retryable {
				fmt.Println("(your message was kept; type /retry to send it again)")
			}
		},
		OnTypingChanged: func(typing bool) {
			if typing {
				fmt.Println("assistant is typing...")
			} else {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		},
		OnSessionCleared: func(id string) {
			fmt.Printf("conversation cleared (session %s)\n", id)
		},
	}

	ctrl, err := session.New(session.Config{
		UserType:         cfg.Session.UserType,
		IdleTimeout:      time.Duration(cfg.Session.IdleTimeoutSecs) * time.Second,
		WarningBefore:    time.Duration(cfg.Session.WarningSecs) * time.Second,
		AutoSave:         cfg.Session.AutoSave,
		AutoSaveInterval: time.Duration(cfg.Session.AutoSaveIntervalSecs) * time.Second,
	}, validator, store, client, events)
	if err != nil {
		return err
	}

	ctrl.Activity().SetWarningCallback(func(remaining time.Duration) {
		fmt.Printf("\n(session expires in %s without activity)\n", remaining.Round(time.Second))
	})
	ctrl.Activity().SetTimeoutCallback(func() {
		fmt.Println("\nsession expired after inactivity; clearing")
		ctrl.Clear()
	})
	go func() {
		for range time.Tick(time.Second) {
			ctrl.Activity().Check()
		}
	}()

	sess := ctrl.Session()
	fmt.Printf("sessioncore %s - %s (%d messages)\n", Version, sess.Title(), len(sess.Messages))
	fmt.Println("type a message, /clear to start over, /retry to resend, /quit to exit")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()

		switch strings.TrimSpace(line) {
		case "/quit", "/exit":
			ctrl.Wait()
			return scanner.Err()
		case "/clear":
			if err := ctrl.Clear(); err != nil {
				fmt.Printf("clear failed: %v\n", err)
			}
			continue
		case "/retry":
			if err := ctrl.Retry(); err != nil {
				fmt.Printf("%v\n", err)
				continue
			}
			<-done
			continue
		case "":
			continue
		}

		if err := ctrl.Submit(line); err != nil {
			fmt.Printf("%v\n", err)
			continue
		}
		// Block the prompt until the reply (or failure) lands.
		<-done
	}

	ctrl.Wait()
	return scanner.Err()
}
