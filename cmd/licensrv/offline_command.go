// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tyfweb/twf-license-management-sub000/internal/buildinfo"
	"github.com/tyfweb/twf-license-management-sub000/internal/device"
)

const deviceAppID = "licensrv"

func RunOfflineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offline",
		Short: "Offline activation helpers",
	}

	cmd.AddCommand(runOfflineRequestCommand())
	return cmd
}

// runOfflineRequestCommand asks a reachable license server for an
// offline activation challenge on behalf of this machine. The printed
// blob is later redeemed on the server.
func runOfflineRequestCommand() *cobra.Command {
	var (
		serverURL string
		licenseID string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request an offline activation challenge for this machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if serverURL == "" {
				return errors.New("--server is required")
			}
			if licenseID == "" {
				return errors.New("--license is required")
			}

			deviceID, err := device.ID(deviceAppID)
			if err != nil {
				return errors.Wrap(err, "derive device id")
			}
			fingerprint, err := device.Fingerprint(deviceAppID)
			if err != nil {
				return errors.Wrap(err, "derive device fingerprint")
			}

			body, err := json.Marshal(map[string]string{
				"licenseId":         licenseID,
				"deviceId":          deviceID,
				"deviceFingerprint": fingerprint,
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				serverURL+"/api/activation/offline/request", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", buildinfo.UserAgent)

			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return errors.Wrap(err, "contact license server")
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(raw))
			}

			var out struct {
				ActivationRequest string `json:"activationRequest"`
			}
			if err := json.Unmarshal(raw, &out); err != nil {
				return errors.Wrap(err, "decode server response")
			}

			cmd.Println(out.ActivationRequest)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Base URL of the license server")
	cmd.Flags().StringVar(&licenseID, "license", "", "License identifier to activate")
	return cmd
}
