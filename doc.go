// Package serialtee exposes a single physical serial line (typically a GPS
// receiver on a USB-UART) to several consumers at once, each behind its own
// virtual terminal that behaves as if it had exclusive access to the device.
//
// The use case is real time: if a consumer cannot keep up, its pending data
// is erased so it always reads current data, and the other consumers are not
// affected. Writes from the consumers are not supported; the stream is
// byte-transparent and strictly one-way.
//
// Features:
//   - Raw syscall-based serial I/O on Linux, no buffering delays
//   - One pty endpoint per consumer, exposed behind a self-cleaning symlink
//   - Single-slot overwrite channels: the producer never blocks, a stalled
//     consumer never delays the others
//   - Indefinite reconnect with capped exponential backoff when the device
//     is unplugged
//   - Optional CBOR raw traffic log with per-chunk content digests
//   - PTY-based tests for reliability
//
// This package does **not** support Windows.
//
// Example usage:
//
//	cfg := serialtee.DefaultConfig()
//	cfg.Device = "/dev/ttyUSB0"
//	cfg.Slaves = []string{"slave0.pty", "slave1.pty"}
//
//	tee, err := serialtee.NewTee(cfg, slog.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	tee.Run(ctx) // blocks until the context is cancelled
//
// Any process may then open slave0.pty or slave1.pty read-only and see the
// same byte stream the device produces.
package serialtee
