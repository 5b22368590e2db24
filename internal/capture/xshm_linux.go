//go:build linux && cgo

package capture

/*
#cgo pkg-config: x11 xext
#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>

typedef struct {
	Display *display;
	Window root;
	XShmSegmentInfo shminfo;
	XImage *image;
	int x;
	int y;
	int width;
	int height;
} RegionCapturer;

// region_init attaches a shared-memory image sized to one monitor.
static RegionCapturer* region_init(const char *display_name, int x, int y, int w, int h) {
	RegionCapturer *c = (RegionCapturer*)calloc(1, sizeof(RegionCapturer));
	if (!c) return NULL;

	c->display = XOpenDisplay(display_name);
	if (!c->display) { free(c); return NULL; }
	if (!XShmQueryExtension(c->display)) {
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	int screen = DefaultScreen(c->display);
	c->root = RootWindow(c->display, screen);
	c->x = x;
	c->y = y;
	c->width = w;
	c->height = h;

	c->image = XShmCreateImage(c->display,
		DefaultVisual(c->display, screen),
		DefaultDepth(c->display, screen),
		ZPixmap, NULL, &c->shminfo, w, h);
	if (!c->image || c->image->bits_per_pixel != 32) {
		if (c->image) XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	c->shminfo.shmid = shmget(IPC_PRIVATE,
		c->image->bytes_per_line * c->image->height,
		IPC_CREAT | 0600);
	if (c->shminfo.shmid < 0) {
		XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	c->shminfo.shmaddr = c->image->data = (char*)shmat(c->shminfo.shmid, NULL, 0);
	c->shminfo.readOnly = False;

	if (!XShmAttach(c->display, &c->shminfo)) {
		shmdt(c->shminfo.shmaddr);
		shmctl(c->shminfo.shmid, IPC_RMID, NULL);
		XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}
	shmctl(c->shminfo.shmid, IPC_RMID, NULL);
	return c;
}

static int region_grab(RegionCapturer *c) {
	if (!XShmGetImage(c->display, c->root, c->image, c->x, c->y, AllPlanes)) {
		return -1;
	}
	XSync(c->display, False);
	return 0;
}

// region_copy_rgba converts the BGRX shared image into a tightly packed RGBA buffer.
static void region_copy_rgba(RegionCapturer *c, unsigned char *dst) {
	int stride = c->image->bytes_per_line;
	for (int y = 0; y < c->height; y++) {
		unsigned char *src = (unsigned char*)c->image->data + y * stride;
		unsigned char *out = dst + y * c->width * 4;
		for (int x = 0; x < c->width; x++) {
			out[0] = src[2];
			out[1] = src[1];
			out[2] = src[0];
			out[3] = 255;
			src += 4;
			out += 4;
		}
	}
}

static void region_destroy(RegionCapturer *c) {
	if (!c) return;
	XShmDetach(c->display, &c->shminfo);
	shmdt(c->shminfo.shmaddr);
	XDestroyImage(c->image);
	XCloseDisplay(c->display);
	free(c);
}
*/
import "C"
import (
	"fmt"
	"image"
	"time"
	"unsafe"

	"deskcast/internal/types"
)

// XShmGrabber captures one monitor's rectangle of the X11 root window through
// shared memory.
type XShmGrabber struct {
	c *C.RegionCapturer
}

// NewXShmGrabber opens displayName and attaches a segment sized to m.
func NewXShmGrabber(displayName string, m types.Monitor) (Grabber, error) {
	var cDisplay *C.char
	if displayName != "" {
		cDisplay = C.CString(displayName)
		defer C.free(unsafe.Pointer(cDisplay))
	}
	c := C.region_init(cDisplay, C.int(m.X), C.int(m.Y), C.int(m.Width), C.int(m.Height))
	if c == nil {
		return nil, fmt.Errorf("failed to initialize XShm capture of monitor %d on %q", m.Index, displayName)
	}
	return &XShmGrabber{c: c}, nil
}

func (g *XShmGrabber) Grab() (*types.Frame, error) {
	if C.region_grab(g.c) != 0 {
		return nil, fmt.Errorf("XShmGetImage failed")
	}
	w, h := int(g.c.width), int(g.c.height)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	C.region_copy_rgba(g.c, (*C.uchar)(unsafe.Pointer(&img.Pix[0])))
	return &types.Frame{Image: img, CapturedAt: time.Now()}, nil
}

func (g *XShmGrabber) Close() {
	C.region_destroy(g.c)
	g.c = nil
}
