package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
)

// Upload writes content to remotePath via SFTP. Parent directories are
// created; a non-zero mode is applied after the write.
func (c *Client) Upload(ctx context.Context, content io.Reader, remotePath string, mode uint32) (*FileTransferResult, error) {
	start := time.Now()

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("mkdir %s: %w", path.Dir(remotePath), err)}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, temporaryError("upload", fmt.Errorf("create %s: %w", remotePath, err))
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, content)
	if err != nil {
		return nil, temporaryError("upload", fmt.Errorf("write %s: %w", remotePath, err))
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			c.logger.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	result := &FileTransferResult{
		BytesTransferred: written,
		Duration:         time.Since(start),
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("file uploaded")

	return result, nil
}

// Remove deletes a remote file.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

func (c *Client) newSFTPClient() (*sftp.Client, error) {
	client, err := c.sshClient("sftp")
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, temporaryError("sftp", err)
	}

	return sftpClient, nil
}

// copyWithContext copies src to dst, checking for cancellation between
// chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
