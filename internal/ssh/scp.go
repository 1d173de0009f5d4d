package ssh

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	gssh "golang.org/x/crypto/ssh"
)

// scpPut 以 scp sink 协议 ("scp -t") 上传单个文件。
func scpPut(ctx context.Context, client *gssh.Client, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("scp session: %w", err)
	}
	defer sess.Close()
	stdin, err := sess.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}
	if err := sess.Start("scp -t " + remotePath); err != nil {
		return fmt.Errorf("scp start: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		r := bufio.NewReader(stdout)
		done <- func() error {
			if err := scpAck(r); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(stdin, "C0644 %d %s\n", st.Size(), path.Base(remotePath)); err != nil {
				return err
			}
			if err := scpAck(r); err != nil {
				return err
			}
			if _, err := io.Copy(stdin, f); err != nil {
				return err
			}
			if _, err := stdin.Write([]byte{0}); err != nil {
				return err
			}
			if err := scpAck(r); err != nil {
				return err
			}
			_ = stdin.Close()
			return sess.Wait()
		}()
	}()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("scp %s: %w", remotePath, err)
		}
		return nil
	}
}

// scpAck 读取一个应答字节：0 成功，1/2 后跟错误信息。
func scpAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("remote: %s", strings.TrimSpace(msg))
}
