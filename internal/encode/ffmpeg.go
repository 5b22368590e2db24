//go:build cgo

// Package encode wraps libavcodec's H.264 encoders behind types.VideoEncoder.
package encode

/*
#cgo pkg-config: libavcodec libavutil libswscale
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <libavutil/opt.h>
#include <libswscale/swscale.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	AVCodecContext *ctx;
	AVFrame *frame;
	AVPacket *pkt;
	struct SwsContext *sws;
	int src_width;
	int src_height;
	int width;
	int height;
	int64_t pts;
} H264Encoder;

static const char *h264_codecs[] = {
	"libx264", "h264_videotoolbox", "h264_mf", "libopenh264", NULL,
};

static void h264_tune(AVCodecContext *ctx, const char *name) {
	if (strcmp(name, "libx264") == 0) {
		av_opt_set(ctx->priv_data, "preset", "ultrafast", 0);
		av_opt_set(ctx->priv_data, "tune", "zerolatency", 0);
		av_opt_set(ctx->priv_data, "profile", "baseline", 0);
	} else if (strcmp(name, "h264_videotoolbox") == 0) {
		av_opt_set(ctx->priv_data, "realtime", "1", 0);
		av_opt_set(ctx->priv_data, "profile", "baseline", 0);
	} else if (strcmp(name, "h264_mf") == 0) {
		av_opt_set(ctx->priv_data, "scenario", "display_remoting", 0);
	}
}

// h264_encoder_init opens the first available H.264 encoder. The output size
// is rounded down to even dimensions as YUV420P requires.
static H264Encoder* h264_encoder_init(int src_width, int src_height, int fps,
                                      int bitrate_kbps, int keyint) {
	H264Encoder *e = (H264Encoder*)calloc(1, sizeof(H264Encoder));
	if (!e) return NULL;

	e->src_width = src_width;
	e->src_height = src_height;
	e->width = src_width & ~1;
	e->height = src_height & ~1;

	const AVCodec *codec = NULL;
	for (int i = 0; h264_codecs[i] && !codec; i++) {
		codec = avcodec_find_encoder_by_name(h264_codecs[i]);
	}
	if (!codec) { free(e); return NULL; }

	e->ctx = avcodec_alloc_context3(codec);
	if (!e->ctx) { free(e); return NULL; }

	e->ctx->width = e->width;
	e->ctx->height = e->height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->pix_fmt = AV_PIX_FMT_YUV420P;
	e->ctx->bit_rate = (int64_t)bitrate_kbps * 1000;
	e->ctx->gop_size = keyint;
	e->ctx->max_b_frames = 0;
	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;
	h264_tune(e->ctx, codec->name);

	if (avcodec_open2(e->ctx, codec, NULL) < 0) {
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}

	e->frame = av_frame_alloc();
	e->frame->format = e->ctx->pix_fmt;
	e->frame->width = e->width;
	e->frame->height = e->height;
	av_frame_get_buffer(e->frame, 0);

	e->pkt = av_packet_alloc();

	e->sws = sws_getContext(
		src_width, src_height, AV_PIX_FMT_RGBA,
		e->width, e->height, e->ctx->pix_fmt,
		SWS_FAST_BILINEAR, NULL, NULL, NULL);
	if (!e->sws) {
		av_packet_free(&e->pkt);
		av_frame_free(&e->frame);
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}
	return e;
}

static int h264_encoder_encode(H264Encoder *e, const uint8_t *rgba, int stride,
                               uint8_t **out_buf, int *out_size, int *is_key) {
	*out_size = 0;

	const uint8_t *src_data[1] = { rgba };
	int src_linesize[1] = { stride };

	av_frame_make_writable(e->frame);
	sws_scale(e->sws, src_data, src_linesize, 0, e->src_height,
	          e->frame->data, e->frame->linesize);

	e->frame->pts = e->pts++;

	int ret = avcodec_send_frame(e->ctx, e->frame);
	if (ret < 0) return -1;

	ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return -1;

	*out_buf = e->pkt->data;
	*out_size = e->pkt->size;
	*is_key = (e->pkt->flags & AV_PKT_FLAG_KEY) ? 1 : 0;
	return 0;
}

static void h264_encoder_unref(H264Encoder *e) { av_packet_unref(e->pkt); }

static const char* h264_encoder_name(H264Encoder *e) { return e->ctx->codec->name; }

static void h264_encoder_destroy(H264Encoder *e) {
	if (!e) return;
	if (e->sws) sws_freeContext(e->sws);
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->frame) av_frame_free(&e->frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	free(e);
}
*/
import "C"
import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"deskcast/internal/types"
)

type Options struct {
	FPS         int
	BitrateKbps int
	// GOP is the keyframe interval in frames; zero means two seconds.
	GOP    int
	Logger *slog.Logger
}

type h264Encoder struct {
	e      *C.H264Encoder
	width  int
	height int
}

// NewFactory returns a types.EncoderFactory producing H.264 encoders.
func NewFactory(opts Options) types.EncoderFactory {
	return func(width, height int) (types.VideoEncoder, error) {
		return NewEncoder(width, height, opts)
	}
}

func NewEncoder(width, height int, opts Options) (types.VideoEncoder, error) {
	if width < 2 || height < 2 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = 30
	}
	keyint := opts.GOP
	if keyint <= 0 {
		keyint = fps * 2
	}

	e := C.h264_encoder_init(C.int(width), C.int(height), C.int(fps),
		C.int(opts.BitrateKbps), C.int(keyint))
	if e == nil {
		return nil, errors.New("failed to initialize video encoder (tried libx264, videotoolbox, mediafoundation, openh264)")
	}
	if opts.Logger != nil {
		opts.Logger.Info("video encoder", "codec", C.GoString(C.h264_encoder_name(e)),
			"width", int(e.width), "height", int(e.height), "kbps", opts.BitrateKbps)
	}
	return &h264Encoder{e: e, width: width, height: height}, nil
}

func (enc *h264Encoder) Encode(frame *types.Frame) (*types.EncodedFrame, error) {
	if frame.Width() != enc.width || frame.Height() != enc.height {
		return nil, fmt.Errorf("frame is %dx%d, encoder expects %dx%d",
			frame.Width(), frame.Height(), enc.width, enc.height)
	}

	var outBuf *C.uint8_t
	var outSize C.int
	var isKey C.int

	pix := frame.Image.Pix
	ret := C.h264_encoder_encode(enc.e,
		(*C.uint8_t)(unsafe.Pointer(&pix[0])), C.int(frame.Image.Stride),
		&outBuf, &outSize, &isKey)
	if ret != 0 {
		return nil, fmt.Errorf("encode failed")
	}
	if outSize == 0 {
		return nil, nil
	}

	data := C.GoBytes(unsafe.Pointer(outBuf), outSize)
	C.h264_encoder_unref(enc.e)

	return &types.EncodedFrame{
		Data:  data,
		IsKey: isKey != 0,
	}, nil
}

func (enc *h264Encoder) Close() {
	C.h264_encoder_destroy(enc.e)
}
