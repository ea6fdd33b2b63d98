package dataprocess_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/test"

	"github.com/viam-modules/viam-elevation-mapping/dataprocess"
)

func TestCreateTimestampFilename(t *testing.T) {
	timeStamp, err := time.Parse(time.RFC3339, "2006-01-02T15:04:05Z")
	test.That(t, err, test.ShouldBeNil)

	filename := dataprocess.CreateTimestampFilename("/tmp/data", "my-map", ".pcd", timeStamp)
	test.That(t, filename, test.ShouldEqual, "/tmp/data/my-map_data_2006-01-02T15:04:05.0000Z.pcd")
}

func TestWritePCDToFile(t *testing.T) {
	cloud := pointcloud.New()
	test.That(t, cloud.Set(r3.Vector{X: 1, Y: 2, Z: 3}, pointcloud.NewBasicData()), test.ShouldBeNil)

	filename := filepath.Join(t.TempDir(), "map.pcd")
	test.That(t, dataprocess.WritePCDToFile(cloud, filename), test.ShouldBeNil)

	//nolint:gosec
	f, err := os.Open(filename)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()

	readCloud, err := pointcloud.ReadPCD(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, readCloud.Size(), test.ShouldEqual, 1)
}

func TestWriteBytesToFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "blob")
	test.That(t, dataprocess.WriteBytesToFile([]byte("hello"), filename), test.ShouldBeNil)

	contents, err := os.ReadFile(filename)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(contents), test.ShouldEqual, "hello")
}