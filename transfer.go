package ftp

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Store uploads r's contents to remotePath via STOR, in binary mode.
func (c *Client) Store(remotePath string, r io.Reader) error {
	return c.storeCommand("STOR", remotePath, r)
}

// Append uploads r's contents to remotePath via APPE, creating the file
// if it does not already exist.
func (c *Client) Append(remotePath string, r io.Reader) error {
	return c.storeCommand("APPE", remotePath, r)
}

func (c *Client) storeCommand(cmd, remotePath string, r io.Reader) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}
	dataConn, _, err := c.cmdDataConnFrom(cmd, remotePath)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(dataConn, r)
	finishErr := c.finishDataConn(dataConn)
	if copyErr != nil {
		return fmt.Errorf("upload failed: %w", copyErr)
	}
	return finishErr
}

// StoreUnique uploads r's contents via STOU, letting the server pick the
// name, and returns the name it chose.
func (c *Client) StoreUnique(r io.Reader) (string, error) {
	if err := c.Type("I"); err != nil {
		return "", fmt.Errorf("failed to set binary mode: %w", err)
	}
	dataConn, resp, err := c.cmdDataConnFrom("STOU")
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(dataConn, r)
	finishErr := c.finishDataConn(dataConn)
	if copyErr != nil {
		return "", fmt.Errorf("upload failed: %w", copyErr)
	}
	if finishErr != nil {
		return "", finishErr
	}

	// Servers report the chosen name in the preliminary reply as
	// "FILE: name" (sometimes "FILE name"); fall back to the raw message.
	name := resp.Message
	if _, rest, ok := strings.Cut(resp.Message, "FILE: "); ok {
		name = rest
	} else if _, rest, ok := strings.Cut(resp.Message, "FILE "); ok {
		name = rest
	}
	return strings.TrimSpace(name), nil
}

// RestartAt sets the REST marker consumed by the next Retrieve.
func (c *Client) RestartAt(offset int64) error {
	resp, err := c.sendCommand("REST", strconv.FormatInt(offset, 10))
	if err != nil {
		return err
	}
	if resp.Code != 350 {
		return &ProtocolError{Command: "REST", Response: resp.Message, Code: resp.Code}
	}
	return nil
}

// Retrieve downloads remotePath into w via RETR, in binary mode.
func (c *Client) Retrieve(remotePath string, w io.Writer) error {
	return c.retrieveFrom(remotePath, w, 0)
}

// RetrieveFrom downloads remotePath into w starting at offset, using REST
// to resume a partial transfer.
func (c *Client) RetrieveFrom(remotePath string, w io.Writer, offset int64) error {
	return c.retrieveFrom(remotePath, w, offset)
}

func (c *Client) retrieveFrom(remotePath string, w io.Writer, offset int64) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}
	if offset > 0 {
		if err := c.RestartAt(offset); err != nil {
			return fmt.Errorf("failed to set restart marker: %w", err)
		}
	}
	dataConn, _, err := c.cmdDataConnFrom("RETR", remotePath)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(w, dataConn)
	finishErr := c.finishDataConn(dataConn)
	if copyErr != nil {
		return fmt.Errorf("download failed: %w", copyErr)
	}
	return finishErr
}
